package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/habitflow/internal/db"
	"github.com/habitflow/internal/service"
)

const (
	dateFormat = "2006-01-02"
	timeFormat = "15:04"
)

type atomPayload struct {
	Title       string  `json:"title"`
	Kind        string  `json:"kind"`
	TargetValue float64 `json:"target_value"`
	TargetUnit  string  `json:"target_unit"`
	TargetSets  int     `json:"target_sets"`
	TargetReps  int     `json:"target_reps"`
	MediaURL    string  `json:"media_url"`
}

type templatePayload struct {
	Title      string        `json:"title"`
	Notes      string        `json:"notes"`
	BaseDate   string        `json:"base_date"` // 2006-01-02，可选，默认今天
	BaseTime   string        `json:"base_time"` // 15:04
	Recurrence string        `json:"recurrence"`
	Weekdays   []int         `json:"weekdays"`
	EndMode    string        `json:"end_mode"`
	EndDate    string        `json:"end_date"`
	EndCount   int           `json:"end_count"`
	Atoms      []atomPayload `json:"atoms"`
}

// ListTemplates 返回模板列表
func (a *API) ListTemplates(c *gin.Context) {
	filter := service.TemplateFilter{
		IncludeArchived: c.Query("archived") == "true",
		IncludeRetired:  c.Query("retired") == "true",
		Search:          c.Query("search"),
	}

	templates, err := a.templates.List(filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "获取模板列表失败")
		return
	}

	items := make([]gin.H, 0, len(templates))
	for i := range templates {
		items = append(items, templateToPayload(&templates[i], false))
	}

	c.JSON(http.StatusOK, gin.H{"templates": items})
}

// GetTemplate 返回单个模板详情，备注渲染为净化后的 HTML
func (a *API) GetTemplate(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的模板ID")
		return
	}

	template, err := a.templates.Get(id)
	if err != nil {
		handleTemplateError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"template": templateToPayload(template, true)})
}

// CreateTemplate 创建模板
func (a *API) CreateTemplate(c *gin.Context) {
	input, ok := a.parseTemplateInput(c)
	if !ok {
		return
	}

	template, err := a.templates.Create(input)
	if err != nil {
		handleTemplateError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"template": templateToPayload(template, false)})
}

// UpdateTemplate 更新模板级字段
func (a *API) UpdateTemplate(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的模板ID")
		return
	}

	input, ok := a.parseTemplateInput(c)
	if !ok {
		return
	}

	template, err := a.templates.Update(id, input)
	if err != nil {
		handleTemplateError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"template": templateToPayload(template, false)})
}

// DeleteTemplate 硬删除模板，实例交由孤儿检测兜底
func (a *API) DeleteTemplate(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的模板ID")
		return
	}

	if err := a.templates.Delete(id); err != nil {
		handleTemplateError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// SetTemplateArchived 切换归档标记
func (a *API) SetTemplateArchived(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的模板ID")
		return
	}

	var payload struct {
		Archived bool `json:"archived"`
	}
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	if err := a.templates.SetArchived(id, payload.Archived); err != nil {
		handleTemplateError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"archived": payload.Archived})
}

// AddTemplateAtom 追加子任务定义
func (a *API) AddTemplateAtom(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的模板ID")
		return
	}

	var payload atomPayload
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	atom, err := a.templates.AddAtom(id, atomInputFromPayload(payload))
	if err != nil {
		handleTemplateError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"atom": atomToPayload(*atom)})
}

// UpdateTemplateAtom 更新子任务定义
// apply_to_future=true 时结构性变化级联到未来未完成实例，返回覆盖数量
func (a *API) UpdateTemplateAtom(c *gin.Context) {
	atomID, err := parseUintParam(c, "atomId")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的子任务ID")
		return
	}

	var payload struct {
		atomPayload
		ApplyToFuture bool `json:"apply_to_future"`
	}
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	cascaded, err := a.templates.UpdateAtom(atomID, atomInputFromPayload(payload.atomPayload), payload.ApplyToFuture)
	if err != nil {
		handleTemplateError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"cascaded": cascaded})
}

// RemoveTemplateAtom 删除子任务定义
func (a *API) RemoveTemplateAtom(c *gin.Context) {
	atomID, err := parseUintParam(c, "atomId")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的子任务ID")
		return
	}

	if err := a.templates.RemoveAtom(atomID); err != nil {
		handleTemplateError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// GenerateInstances 从今天起生成实例
func (a *API) GenerateInstances(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的模板ID")
		return
	}

	var payload struct {
		Until string `json:"until"` // 2006-01-02
	}
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	until, err := time.ParseInLocation(dateFormat, payload.Until, time.Local)
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的截止日期")
		return
	}

	instances, err := a.materializer.GenerateInstances(id, until)
	if err != nil {
		handleMaterializeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"created":   len(instances),
		"instances": serializeInstances(instances),
	})
}

// BackfillInstances 为历史区间补建实例
func (a *API) BackfillInstances(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的模板ID")
		return
	}

	var payload struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	from, err := time.ParseInLocation(dateFormat, payload.From, time.Local)
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的开始日期")
		return
	}
	to, err := time.ParseInLocation(dateFormat, payload.To, time.Local)
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的结束日期")
		return
	}

	instances, err := a.materializer.BackfillInstances(id, from, to)
	if err != nil {
		handleMaterializeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"created":   len(instances),
		"instances": serializeInstances(instances),
	})
}

// SyncTemplateAtoms 将子任务定义的增删对齐到未来实例
func (a *API) SyncTemplateAtoms(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的模板ID")
		return
	}

	result, err := a.sync.SyncAtomsToInstances(id)
	if err != nil {
		handleTemplateError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"added": result.Added, "removed": result.Removed})
}

// RetireTemplate 软删除模板，进入可撤销倒计时
func (a *API) RetireTemplate(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的模板ID")
		return
	}

	var payload struct {
		Reason string `json:"reason"`
	}
	if strings.Contains(c.GetHeader("Content-Type"), "application/json") {
		if !bindJSON(c, &payload, "请求参数不合法") {
			return
		}
	}

	if err := a.retirement.Retire(id, payload.Reason); err != nil {
		handleRetirementError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": db.RetirementPending})
}

// UndoRetirement 在宽限期内撤销退役
func (a *API) UndoRetirement(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的模板ID")
		return
	}

	if err := a.retirement.UndoRetirement(id); err != nil {
		handleRetirementError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": db.RetirementNone})
}

// ProcessRetirementDeadline 手动触发退役级联
func (a *API) ProcessRetirementDeadline(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的模板ID")
		return
	}

	task, err := a.retirement.ProcessDeadline(id)
	if err != nil {
		handleRetirementError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"task": task.Progress()})
}

// GetRetirementProgress 轮询退役级联进度
func (a *API) GetRetirementProgress(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的模板ID")
		return
	}

	progress, ok := a.retirement.CascadeProgress(id)
	if !ok {
		respondError(c, http.StatusNotFound, "没有进行中的退役任务")
		return
	}

	c.JSON(http.StatusOK, gin.H{"progress": progress})
}

// CancelRetirementCascade 协同取消进行中的退役级联
func (a *API) CancelRetirementCascade(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的模板ID")
		return
	}

	if !a.retirement.CancelCascade(id) {
		respondError(c, http.StatusNotFound, "没有进行中的退役任务")
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (a *API) parseTemplateInput(c *gin.Context) (service.TemplateInput, bool) {
	var payload templatePayload
	if !bindJSON(c, &payload, "请求参数不合法") {
		return service.TemplateInput{}, false
	}

	baseDate := time.Now()
	if payload.BaseDate != "" {
		parsed, err := time.ParseInLocation(dateFormat, payload.BaseDate, time.Local)
		if err != nil {
			respondError(c, http.StatusBadRequest, "无效的基准日期")
			return service.TemplateInput{}, false
		}
		baseDate = parsed
	}

	baseClock := time.Date(baseDate.Year(), baseDate.Month(), baseDate.Day(), 0, 0, 0, 0, time.Local)
	if payload.BaseTime != "" {
		parsed, err := time.ParseInLocation(timeFormat, payload.BaseTime, time.Local)
		if err != nil {
			respondError(c, http.StatusBadRequest, "无效的基准时间")
			return service.TemplateInput{}, false
		}
		baseClock = time.Date(baseDate.Year(), baseDate.Month(), baseDate.Day(),
			parsed.Hour(), parsed.Minute(), 0, 0, time.Local)
	}

	var endDate *time.Time
	if payload.EndDate != "" {
		parsed, err := time.ParseInLocation(dateFormat, payload.EndDate, time.Local)
		if err != nil {
			respondError(c, http.StatusBadRequest, "无效的结束日期")
			return service.TemplateInput{}, false
		}
		endDate = &parsed
	}

	weekdays := make([]time.Weekday, 0, len(payload.Weekdays))
	for _, day := range payload.Weekdays {
		if day < 0 || day > 6 {
			respondError(c, http.StatusBadRequest, "无效的周几配置")
			return service.TemplateInput{}, false
		}
		weekdays = append(weekdays, time.Weekday(day))
	}

	atoms := make([]service.AtomInput, 0, len(payload.Atoms))
	for _, atom := range payload.Atoms {
		atoms = append(atoms, atomInputFromPayload(atom))
	}

	return service.TemplateInput{
		Title:          payload.Title,
		Notes:          payload.Notes,
		BaseTime:       baseClock,
		RecurrenceKind: payload.Recurrence,
		Weekdays:       weekdays,
		EndMode:        payload.EndMode,
		EndDate:        endDate,
		EndCount:       payload.EndCount,
		Atoms:          atoms,
	}, true
}

func atomInputFromPayload(payload atomPayload) service.AtomInput {
	return service.AtomInput{
		Title:       payload.Title,
		Kind:        payload.Kind,
		TargetValue: payload.TargetValue,
		TargetUnit:  payload.TargetUnit,
		TargetSets:  payload.TargetSets,
		TargetReps:  payload.TargetReps,
		MediaURL:    payload.MediaURL,
	}
}

func templateToPayload(template *db.HabitTemplate, withNotesHTML bool) gin.H {
	item := gin.H{
		"id":                template.ID,
		"title":             template.Title,
		"notes":             template.Notes,
		"base_time":         template.BaseTime.Format(timeFormat),
		"base_date":         template.BaseTime.Format(dateFormat),
		"recurrence":        template.RecurrenceKind,
		"end_mode":          template.EndMode,
		"end_count":         template.EndCount,
		"generated_count":   template.GeneratedCount,
		"is_archived":       template.IsArchived,
		"retirement_status": template.RetirementStatus,
	}

	weekdays := make([]int, 0)
	for _, day := range template.WeekdaySet() {
		weekdays = append(weekdays, int(day))
	}
	item["weekdays"] = weekdays

	if template.EndDate != nil {
		item["end_date"] = template.EndDate.Format(dateFormat)
	}
	if template.RetirementDate != nil {
		item["retirement_date"] = template.RetirementDate.Format(time.RFC3339)
	}
	if template.UndoDeadline != nil {
		item["undo_deadline"] = template.UndoDeadline.Format(time.RFC3339)
	}
	if template.RetirementReason != "" {
		item["retirement_reason"] = template.RetirementReason
	}

	atoms := make([]gin.H, 0, len(template.Atoms))
	for _, atom := range template.Atoms {
		atoms = append(atoms, atomToPayload(atom))
	}
	item["atoms"] = atoms

	if withNotesHTML && template.Notes != "" {
		if rendered, err := renderMarkdown(template.Notes); err == nil {
			item["notes_html"] = rendered
		}
	}

	return item
}

func atomToPayload(atom db.AtomDefinition) gin.H {
	return gin.H{
		"id":           atom.ID,
		"title":        atom.Title,
		"kind":         atom.Kind,
		"target_value": atom.TargetValue,
		"target_unit":  atom.TargetUnit,
		"target_sets":  atom.TargetSets,
		"target_reps":  atom.TargetReps,
		"media_url":    atom.MediaURL,
		"position":     atom.Position,
	}
}

func handleTemplateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrTemplateNotFound):
		respondError(c, http.StatusNotFound, "模板不存在")
	case errors.Is(err, service.ErrAtomNotFound):
		respondError(c, http.StatusNotFound, "子任务不存在")
	case errors.Is(err, service.ErrTemplateInvalid):
		respondError(c, http.StatusBadRequest, "模板配置无效")
	default:
		respondError(c, http.StatusInternalServerError, "操作失败")
	}
}

func handleMaterializeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrTemplateNotFound):
		respondError(c, http.StatusNotFound, "模板不存在")
	case errors.Is(err, service.ErrTemplateNotGeneratable):
		respondError(c, http.StatusBadRequest, "模板已退役或已归档，无法生成")
	case errors.Is(err, service.ErrInvalidRange):
		respondError(c, http.StatusBadRequest, "生成区间不合法")
	default:
		respondError(c, http.StatusInternalServerError, "生成实例失败")
	}
}

func handleRetirementError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrTemplateNotFound):
		respondError(c, http.StatusNotFound, "模板不存在")
	case errors.Is(err, service.ErrRetirementState):
		respondError(c, http.StatusConflict, "当前状态不允许该操作")
	default:
		respondError(c, http.StatusInternalServerError, "操作失败")
	}
}
