package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/habitflow/internal/db"
	"github.com/habitflow/internal/service"
)

const dateTimeFormat = "2006-01-02 15:04"

// ListInstances 返回日期区间内的实例，可按模板过滤
func (a *API) ListInstances(c *gin.Context) {
	start, err := time.ParseInLocation(dateFormat, c.Query("start"), time.Local)
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的开始日期")
		return
	}
	end, err := time.ParseInLocation(dateFormat, c.Query("end"), time.Local)
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的结束日期")
		return
	}

	filter := service.InstanceFilter{Start: start, End: end}
	if raw := c.Query("template_id"); raw != "" {
		var templateID uint
		if templateID, err = parseUintQuery(raw); err != nil {
			respondError(c, http.StatusBadRequest, "无效的模板ID")
			return
		}
		filter.TemplateID = templateID
	}

	instances, err := a.instances.ListBetween(filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "获取实例列表失败")
		return
	}

	stats, err := a.instances.StatsBetween(filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "计算统计信息失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instances": serializeInstances(instances),
		"stats": gin.H{
			"total":           stats.Total,
			"completed_count": stats.CompletedCount,
			"completion_rate": stats.CompletionRate,
			"current_streak":  stats.CurrentStreak,
			"longest_streak":  stats.LongestStreak,
		},
	})
}

// GetInstance 返回单个实例详情
func (a *API) GetInstance(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的实例ID")
		return
	}

	instance, err := a.instances.Get(id)
	if err != nil {
		handleInstanceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"instance": serializeInstance(*instance)})
}

// MakeInstanceException 将实例固定到用户指定的新时间
func (a *API) MakeInstanceException(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的实例ID")
		return
	}

	var payload struct {
		NewTime string `json:"new_time"` // 2006-01-02 15:04
	}
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	newTime, err := time.ParseInLocation(dateTimeFormat, payload.NewTime, time.Local)
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的时间")
		return
	}

	instance, err := a.instances.MakeException(id, newTime)
	if err != nil {
		handleInstanceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"instance": serializeInstance(*instance)})
}

// SetInstanceCompleted 标记/取消完成
func (a *API) SetInstanceCompleted(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的实例ID")
		return
	}

	var payload struct {
		Completed bool `json:"completed"`
	}
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	instance, err := a.instances.SetCompleted(id, payload.Completed)
	if err != nil {
		handleInstanceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"instance": serializeInstance(*instance)})
}

// SetAtomInstanceDone 勾选/取消单个子任务快照
func (a *API) SetAtomInstanceDone(c *gin.Context) {
	atomID, err := parseUintParam(c, "atomId")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的子任务ID")
		return
	}

	var payload struct {
		Done bool `json:"done"`
	}
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	if err := a.instances.SetAtomDone(atomID, payload.Done); err != nil {
		handleInstanceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"done": payload.Done})
}

// DeleteInstance 显式删除实例
func (a *API) DeleteInstance(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的实例ID")
		return
	}

	if err := a.instances.Delete(id); err != nil {
		handleInstanceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ListOrphans 返回所有孤儿实例
func (a *API) ListOrphans(c *gin.Context) {
	orphans, err := a.orphans.ListOrphans()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "获取孤儿实例失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{"orphans": serializeInstances(orphans)})
}

// RecoverOrphans 从选中的孤儿实例重建模板
func (a *API) RecoverOrphans(c *gin.Context) {
	var payload struct {
		InstanceIDs []uint `json:"instance_ids"`
		Title       string `json:"title"`
	}
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	template, err := a.orphans.RecoverOrphans(payload.InstanceIDs, payload.Title)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptySelection):
			respondError(c, http.StatusBadRequest, "请至少选择一个实例")
		case errors.Is(err, service.ErrRecoveryTitle):
			respondError(c, http.StatusBadRequest, "请输入新模板标题")
		default:
			respondError(c, http.StatusInternalServerError, "重建模板失败")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"template": templateToPayload(template, false)})
}

// ListAuditEntries 返回最近的审计日志
func (a *API) ListAuditEntries(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := parseUintQuery(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "无效的数量限制")
			return
		}
		limit = int(parsed)
	}

	entries, err := a.auditQuery.ListRecent(limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "获取审计日志失败")
		return
	}

	items := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		item := gin.H{
			"id":          entry.ID,
			"entity_type": entry.EntityType,
			"entity_id":   entry.EntityID,
			"entity_name": entry.EntityName,
			"action":      entry.Action,
			"created_at":  entry.CreatedAt.Format(time.RFC3339),
		}
		if entry.Changes != "" {
			item["changes"] = entry.Changes
		}
		if entry.Info != "" {
			item["info"] = entry.Info
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, gin.H{"entries": items})
}

func serializeInstances(instances []db.HabitInstance) []gin.H {
	items := make([]gin.H, 0, len(instances))
	for _, instance := range instances {
		items = append(items, serializeInstance(instance))
	}
	return items
}

func serializeInstance(instance db.HabitInstance) gin.H {
	item := gin.H{
		"id":             instance.ID,
		"uid":            instance.UID,
		"scheduled_date": instance.ScheduledDate.Format(time.RFC3339),
		"is_exception":   instance.IsException,
		"is_orphan":      instance.IsOrphan,
		"template_title": instance.OriginalTemplateTitle,
		"completed":      instance.IsCompleted(),
	}

	if instance.TemplateID != nil {
		item["template_id"] = *instance.TemplateID
	}
	if instance.OriginalScheduledDate != nil {
		item["original_scheduled_date"] = instance.OriginalScheduledDate.Format(time.RFC3339)
	}
	if instance.CompletedAt != nil {
		item["completed_at"] = instance.CompletedAt.Format(time.RFC3339)
	}

	atoms := make([]gin.H, 0, len(instance.Atoms))
	for _, atom := range instance.Atoms {
		atoms = append(atoms, gin.H{
			"id":             atom.ID,
			"source_atom_id": atom.SourceAtomID,
			"title":          atom.Title,
			"kind":           atom.Kind,
			"target_value":   atom.TargetValue,
			"target_unit":    atom.TargetUnit,
			"target_sets":    atom.TargetSets,
			"target_reps":    atom.TargetReps,
			"media_url":      atom.MediaURL,
			"position":       atom.Position,
			"done":           atom.IsDone,
		})
	}
	item["atoms"] = atoms

	return item
}

func handleInstanceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInstanceNotFound):
		respondError(c, http.StatusNotFound, "实例不存在")
	case errors.Is(err, service.ErrAtomInstanceNotFound):
		respondError(c, http.StatusNotFound, "子任务不存在")
	case errors.Is(err, service.ErrInvalidRange):
		respondError(c, http.StatusBadRequest, "查询区间不合法")
	default:
		respondError(c, http.StatusInternalServerError, "操作失败")
	}
}
