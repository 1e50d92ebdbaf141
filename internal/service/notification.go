package service

import (
	"log"

	"github.com/habitflow/internal/db"
)

// NotificationScheduler 定义提醒调度能力，真实推送后端由外部实现注入
// 引擎视角下调用均为尽力而为：失败只记录日志，不向上传播
type NotificationScheduler interface {
	Schedule(instance *db.HabitInstance) error
	Cancel(instance *db.HabitInstance) error
	CancelAll() error
}

// LogNotificationScheduler 是默认实现，仅输出日志，便于本地运行与测试
type LogNotificationScheduler struct{}

// NewLogNotificationScheduler 构造日志实现
func NewLogNotificationScheduler() *LogNotificationScheduler {
	return &LogNotificationScheduler{}
}

// Schedule 登记一条提醒
func (s *LogNotificationScheduler) Schedule(instance *db.HabitInstance) error {
	log.Printf("[notify] schedule instance=%s at=%s", instance.UID, instance.ScheduledDate.Format("2006-01-02 15:04"))
	return nil
}

// Cancel 取消一条提醒
func (s *LogNotificationScheduler) Cancel(instance *db.HabitInstance) error {
	log.Printf("[notify] cancel instance=%s", instance.UID)
	return nil
}

// CancelAll 清空全部提醒
func (s *LogNotificationScheduler) CancelAll() error {
	log.Printf("[notify] cancel all")
	return nil
}
