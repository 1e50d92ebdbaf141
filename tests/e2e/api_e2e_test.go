package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/habitflow/internal/db"
	"github.com/habitflow/internal/router"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type e2eSuite struct {
	handler http.Handler
	admin   *localClient
	baseURL string
}

type localClient struct {
	handler http.Handler
	jar     http.CookieJar
}

func newLocalClient(handler http.Handler) *localClient {
	jar, _ := cookiejar.New(nil)
	return &localClient{handler: handler, jar: jar}
}

func (c *localClient) Do(req *http.Request) (*http.Response, error) {
	if c.jar != nil {
		for _, cookie := range c.jar.Cookies(req.URL) {
			req.AddCookie(cookie)
		}
	}
	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, req)
	resp := w.Result()
	if c.jar != nil {
		c.jar.SetCookies(req.URL, resp.Cookies())
	}
	return resp, nil
}

func newE2ESuite(t *testing.T) *e2eSuite {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:e2e-%d?mode=memory&cache=shared", time.Now().UnixNano())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	db.DB = gdb

	hashed, err := bcrypt.GenerateFromPassword([]byte("e2e-secret"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	if err := db.DB.Create(&db.User{Username: "admin", Password: string(hashed)}).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	r, api := router.SetupRouter("e2e-secret-key", time.Hour)
	t.Cleanup(api.Retirement().Stop)

	return &e2eSuite{
		handler: r,
		admin:   newLocalClient(r),
		baseURL: "http://habitflow.test",
	}
}

func (s *e2eSuite) request(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, s.baseURL+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.admin.Do(req)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	decoded := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("failed to decode %q: %v", string(raw), err)
		}
	}
	return resp.StatusCode, decoded
}

func (s *e2eSuite) login(t *testing.T) {
	t.Helper()
	code, _ := s.request(t, http.MethodPost, "/admin/login", map[string]string{
		"username": "admin",
		"password": "e2e-secret",
	})
	if code != http.StatusOK {
		t.Fatalf("login failed with status %d", code)
	}
}

func TestE2E_HabitLifecycle(t *testing.T) {
	suite := newE2ESuite(t)

	// 未登录访问应被拒绝
	code, _ := suite.request(t, http.MethodGet, "/admin/api/templates", nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401 before login, got %d", code)
	}

	suite.login(t)

	// 创建周重复模板
	code, resp := suite.request(t, http.MethodPost, "/admin/api/templates", map[string]interface{}{
		"title":      "晨跑",
		"notes":      "跑前热身",
		"base_date":  "2025-01-01",
		"base_time":  "07:00",
		"recurrence": "weekly",
		"weekdays":   []int{1, 3, 5},
		"atoms": []map[string]interface{}{
			{"title": "慢跑", "kind": "duration", "target_value": 30, "target_unit": "分钟"},
			{"title": "拉伸", "kind": "check"},
		},
	})
	if code != http.StatusOK {
		t.Fatalf("create template failed: %d %v", code, resp)
	}
	templateID := int(resp["template"].(map[string]interface{})["id"].(float64))

	// 回填两周实例，预期 7 个
	code, resp = suite.request(t, http.MethodPost,
		fmt.Sprintf("/admin/api/templates/%d/backfill", templateID), map[string]string{
			"from": "2025-01-01",
			"to":   "2025-01-15",
		})
	if code != http.StatusOK {
		t.Fatalf("backfill failed: %d %v", code, resp)
	}
	if created := int(resp["created"].(float64)); created != 7 {
		t.Fatalf("expected 7 instances, got %d", created)
	}
	instances := resp["instances"].([]interface{})
	firstID := int(instances[0].(map[string]interface{})["id"].(float64))

	// 改期生成例外实例
	code, resp = suite.request(t, http.MethodPost,
		fmt.Sprintf("/admin/api/instances/%d/exception", firstID), map[string]string{
			"new_time": "2025-01-02 09:30",
		})
	if code != http.StatusOK {
		t.Fatalf("make exception failed: %d %v", code, resp)
	}
	if resp["instance"].(map[string]interface{})["is_exception"] != true {
		t.Fatalf("expected exception flag")
	}

	// 同区间重复回填不应重建已改期的那天
	code, resp = suite.request(t, http.MethodPost,
		fmt.Sprintf("/admin/api/templates/%d/backfill", templateID), map[string]string{
			"from": "2025-01-01",
			"to":   "2025-01-15",
		})
	if code != http.StatusOK {
		t.Fatalf("second backfill failed: %d %v", code, resp)
	}
	if created := int(resp["created"].(float64)); created != 0 {
		t.Fatalf("expected idempotent backfill, got %d", created)
	}

	// 新增子任务定义后同步到未来实例
	code, resp = suite.request(t, http.MethodPost,
		fmt.Sprintf("/admin/api/templates/%d/atoms", templateID), map[string]interface{}{
			"title": "补水", "kind": "check",
		})
	if code != http.StatusOK {
		t.Fatalf("add atom failed: %d %v", code, resp)
	}
	code, resp = suite.request(t, http.MethodPost,
		fmt.Sprintf("/admin/api/templates/%d/sync", templateID), nil)
	if code != http.StatusOK {
		t.Fatalf("sync failed: %d %v", code, resp)
	}

	// 完成一个实例
	code, _ = suite.request(t, http.MethodPut,
		fmt.Sprintf("/admin/api/instances/%d/complete", firstID), map[string]bool{"completed": true})
	if code != http.StatusOK {
		t.Fatalf("complete failed: %d", code)
	}

	// 退役并撤销
	code, _ = suite.request(t, http.MethodPost,
		fmt.Sprintf("/admin/api/templates/%d/retire", templateID), map[string]string{"reason": "计划调整"})
	if code != http.StatusOK {
		t.Fatalf("retire failed: %d", code)
	}
	code, _ = suite.request(t, http.MethodPost,
		fmt.Sprintf("/admin/api/templates/%d/undo-retirement", templateID), nil)
	if code != http.StatusOK {
		t.Fatalf("undo failed: %d", code)
	}

	// 再次退役并手动触发到期级联
	code, _ = suite.request(t, http.MethodPost,
		fmt.Sprintf("/admin/api/templates/%d/retire", templateID), map[string]string{"reason": "彻底停掉"})
	if code != http.StatusOK {
		t.Fatalf("second retire failed: %d", code)
	}
	code, resp = suite.request(t, http.MethodPost,
		fmt.Sprintf("/admin/api/templates/%d/process-deadline", templateID), nil)
	if code != http.StatusOK {
		t.Fatalf("process deadline failed: %d %v", code, resp)
	}

	// 轮询直至级联结束
	deadline := time.Now().Add(5 * time.Second)
	for {
		code, resp = suite.request(t, http.MethodGet,
			fmt.Sprintf("/admin/api/templates/%d/retirement", templateID), nil)
		if code != http.StatusOK {
			t.Fatalf("progress failed: %d %v", code, resp)
		}
		progress := resp["progress"].(map[string]interface{})
		if progress["done"] == true {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cascade did not finish in time: %v", progress)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// 级联完成后实例成为孤儿，可重建模板
	code, resp = suite.request(t, http.MethodGet, "/admin/api/orphans", nil)
	if code != http.StatusOK {
		t.Fatalf("list orphans failed: %d %v", code, resp)
	}
	orphans := resp["orphans"].([]interface{})
	if len(orphans) == 0 {
		t.Fatalf("expected orphans after retirement cascade")
	}

	ids := make([]int, 0, len(orphans))
	for _, raw := range orphans {
		ids = append(ids, int(raw.(map[string]interface{})["id"].(float64)))
	}
	code, resp = suite.request(t, http.MethodPost, "/admin/api/orphans/recover", map[string]interface{}{
		"instance_ids": ids,
		"title":        "晨跑（恢复）",
	})
	if code != http.StatusOK {
		t.Fatalf("recover failed: %d %v", code, resp)
	}
	if resp["template"].(map[string]interface{})["title"] != "晨跑（恢复）" {
		t.Fatalf("unexpected recovered template: %v", resp["template"])
	}

	// 审计日志应有记录
	code, resp = suite.request(t, http.MethodGet, "/admin/api/audit?limit=50", nil)
	if code != http.StatusOK {
		t.Fatalf("audit failed: %d %v", code, resp)
	}

	// 登出后再访问应 401
	code, _ = suite.request(t, http.MethodPost, "/admin/logout", nil)
	if code != http.StatusOK {
		t.Fatalf("logout failed: %d", code)
	}
	code, _ = suite.request(t, http.MethodGet, "/admin/api/templates", nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", code)
	}
}
