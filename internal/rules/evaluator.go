// Package rules evaluates compiled automation rules against the current
// upstream entities and the remembered automation state. Evaluation is a
// dry-run: it reports which rules would fire and the state the evaluator
// would carry forward, but it never performs actions.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// Input is everything one evaluation needs. Executions is the stored log,
// used only to flag firings whose event key already succeeded.
type Input struct {
	TicketKey  string
	WorkItem   *schema.WorkItem
	Subtasks   []schema.Subtask
	Activities []schema.Activity
	Rules      []schema.Rule
	State      schema.AutomationState
	Executions []schema.Execution
}

// Firing is one rule that would fire right now.
type Firing struct {
	RuleID          string              `json:"ruleId"`
	Name            string              `json:"name"`
	EventKey        string              `json:"eventKey"`
	AlreadyExecuted bool                `json:"alreadyExecuted"`
	Actions         []schema.ActionSpec `json:"actions"`
	VarsPreview     map[string]string   `json:"varsPreview"`
	ActionPreviews  []string            `json:"actionPreviews"`
}

// Result is the dry-run report. Problems lists rules whose condition guard
// failed to evaluate; those rules are excluded from WouldFire.
type Result struct {
	TicketKey string                 `json:"ticketKey"`
	WouldFire []Firing               `json:"wouldFire"`
	NextState schema.AutomationState `json:"nextState"`
	Problems  []string               `json:"problems,omitempty"`
}

// Evaluator computes dry-run reports. Stateless and safe for concurrent use.
type Evaluator struct {
	conditions *expressions.Conditions
	now        func() time.Time
}

// NewEvaluator creates an evaluator. conditions may be nil, in which case
// condition guards always pass.
func NewEvaluator(conditions *expressions.Conditions) *Evaluator {
	return &Evaluator{conditions: conditions, now: time.Now}
}

// Evaluate runs every enabled rule once against the input.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	if in.WorkItem == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "evaluation requires a work item")
	}
	now := e.now()

	currentStatus := in.WorkItem.Status
	prevStatus := in.State.LastStatus
	statusChanged := prevStatus != "" && currentStatus != "" && prevStatus != currentStatus

	byKey := subtasksByKey(in.Subtasks)
	nextSubtasks := nextSubtaskState(in.State.Subtasks, in.Subtasks)

	res := &Result{TicketKey: in.TicketKey, WouldFire: []Firing{}}

	for i := range in.Rules {
		rule := &in.Rules[i]
		if !rule.Enabled {
			continue
		}

		var cand *candidate
		switch rule.Trigger.Type {
		case schema.TriggerStatusChanged:
			if statusChanged {
				cand = &candidate{
					eventKey: MakeEventKey(rule.ID, rule.Trigger.Type, prevStatus, currentStatus),
					vars:     varSource{prevStatus: prevStatus, currentStatus: currentStatus},
				}
			}
		case schema.TriggerStatusEquals:
			want := paramString(rule.Trigger.Params, schema.ParamStatus)
			if want != "" && strings.TrimSpace(currentStatus) == want {
				cand = &candidate{
					eventKey: MakeEventKey(rule.ID, rule.Trigger.Type, want, localDay(now)),
					vars:     varSource{currentStatus: currentStatus},
				}
			}
		case schema.TriggerStatusNotEquals:
			want := paramString(rule.Trigger.Params, schema.ParamStatus)
			if want != "" && strings.TrimSpace(currentStatus) != want {
				cand = &candidate{
					eventKey: MakeEventKey(rule.ID, rule.Trigger.Type, want, localDay(now)),
					vars:     varSource{currentStatus: currentStatus},
				}
			}
		case schema.TriggerSubtaskCompleted:
			cand = evalSubtaskCompleted(rule, in.State.Subtasks, nextSubtasks, byKey, currentStatus)
		case schema.TriggerSubtaskOverdue:
			cand = evalSubtaskOverdue(rule, nextSubtasks, byKey, currentStatus, now)
		case schema.TriggerAllSubtasksDone:
			cand = evalAllSubtasksDone(rule, nextSubtasks, byKey, currentStatus)
		case schema.TriggerActivityStart, schema.TriggerActivityOverdue:
			cand = evalActivity(rule, in.Activities, currentStatus, now)
		}
		if cand == nil {
			continue
		}

		vars := buildVars(in.TicketKey, in.WorkItem, cand.vars)

		ok, err := e.checkConditions(ctx, rule, in, vars, nextSubtasks)
		if err != nil {
			res.Problems = append(res.Problems,
				fmt.Sprintf("Rule %q condition failed: %v", ruleLabel(rule), err))
			continue
		}
		if !ok {
			continue
		}

		res.WouldFire = append(res.WouldFire, Firing{
			RuleID:          rule.ID,
			Name:            rule.Name,
			EventKey:        cand.eventKey,
			AlreadyExecuted: HasExecuted(in.Executions, cand.eventKey),
			Actions:         rule.Actions,
			VarsPreview:     vars,
			ActionPreviews:  actionPreviews(rule.Actions, vars),
		})
	}

	next := in.State
	if currentStatus != "" {
		next.LastStatus = currentStatus
	}
	next.Subtasks = nextSubtasks
	checked := now
	next.LastCheckedAt = &checked
	res.NextState = next

	return res, nil
}

type candidate struct {
	eventKey string
	vars     varSource
}

type varSource struct {
	prevStatus    string
	currentStatus string
	subtask       *schema.Subtask
	activity      *schema.Activity
	dueDate       string
	activityStart string
	activityEnd   string
}

func evalSubtaskCompleted(rule *schema.Rule, prevState, nextState map[string]schema.SubtaskStatus, byKey map[string]*schema.Subtask, currentStatus string) *candidate {
	key := paramString(rule.Trigger.Params, schema.ParamSubtaskKey)
	if key == "" {
		return nil
	}
	prev := prevState[key]
	cur := nextState[key]
	if isDoneStatus(prev.StatusCategory, prev.Status) || !isDoneStatus(cur.StatusCategory, cur.Status) {
		return nil
	}
	return &candidate{
		eventKey: MakeEventKey(rule.ID, rule.Trigger.Type, key, prev.Status, cur.Status),
		vars:     varSource{currentStatus: currentStatus, subtask: subtaskOrPlaceholder(byKey, key)},
	}
}

func evalSubtaskOverdue(rule *schema.Rule, nextState map[string]schema.SubtaskStatus, byKey map[string]*schema.Subtask, currentStatus string, now time.Time) *candidate {
	key := paramString(rule.Trigger.Params, schema.ParamSubtaskKey)
	dueDate := paramString(rule.Trigger.Params, schema.ParamDueDate)
	if key == "" || dueDate == "" {
		return nil
	}
	due, err := time.ParseInLocation("2006-01-02", dueDate, time.Local)
	if err != nil || !now.After(due) {
		return nil
	}
	cur := nextState[key]
	if isDoneStatus(cur.StatusCategory, cur.Status) {
		return nil
	}
	return &candidate{
		eventKey: MakeEventKey(rule.ID, rule.Trigger.Type, key, dueDate),
		vars:     varSource{currentStatus: currentStatus, subtask: subtaskOrPlaceholder(byKey, key), dueDate: dueDate},
	}
}

// evalAllSubtasksDone fires when every target subtask is finished. The event
// key pins the sorted target set, so the firing dedups until the gate's
// membership changes.
func evalAllSubtasksDone(rule *schema.Rule, nextState map[string]schema.SubtaskStatus, byKey map[string]*schema.Subtask, currentStatus string) *candidate {
	keys := paramStringList(rule.Trigger.Params, schema.ParamTargetKeys)
	if len(keys) == 0 {
		return nil
	}
	for _, key := range keys {
		if !subtaskDone(nextState[key], byKey[key]) {
			return nil
		}
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return &candidate{
		eventKey: MakeEventKey(rule.ID, rule.Trigger.Type, strings.Join(sorted, ",")),
		vars:     varSource{currentStatus: currentStatus},
	}
}

func evalActivity(rule *schema.Rule, activities []schema.Activity, currentStatus string, now time.Time) *candidate {
	id := paramString(rule.Trigger.Params, schema.ParamActivityID)
	if id == "" {
		return nil
	}
	var act *schema.Activity
	for i := range activities {
		if activities[i].ID == id {
			act = &activities[i]
			break
		}
	}
	if act == nil || act.Start == "" || act.End == "" {
		return nil
	}
	start, err := time.ParseInLocation("2006-01-02", act.Start, time.Local)
	if err != nil {
		return nil
	}
	end, err := time.ParseInLocation("2006-01-02", act.End, time.Local)
	if err != nil {
		return nil
	}
	endOfDay := end.AddDate(0, 0, 1).Add(-time.Nanosecond)

	vars := varSource{currentStatus: currentStatus, activity: act, activityStart: act.Start, activityEnd: act.End}
	switch rule.Trigger.Type {
	case schema.TriggerActivityStart:
		if now.Before(start) {
			return nil
		}
		return &candidate{eventKey: MakeEventKey(rule.ID, rule.Trigger.Type, id, act.Start), vars: vars}
	case schema.TriggerActivityOverdue:
		if !now.After(endOfDay) {
			return nil
		}
		return &candidate{eventKey: MakeEventKey(rule.ID, rule.Trigger.Type, id, act.End), vars: vars}
	}
	return nil
}

// checkConditions runs the rule's optional guard with the full expression
// scope: the work item, subtasks, activities, the firing's template vars and
// the carried state.
func (e *Evaluator) checkConditions(ctx context.Context, rule *schema.Rule, in Input, vars map[string]string, nextSubtasks map[string]schema.SubtaskStatus) (bool, error) {
	if e.conditions == nil || rule.Conditions == nil || rule.Conditions.Expression == "" {
		return true, nil
	}
	state := in.State
	state.Subtasks = nextSubtasks
	scope := map[string]any{
		expressions.ScopeWorkItem:   toPlain(in.WorkItem),
		expressions.ScopeSubtasks:   toPlain(in.Subtasks),
		expressions.ScopeActivities: toPlain(in.Activities),
		expressions.ScopeVars:       expressions.VarsToScope(vars),
		expressions.ScopeState:      toPlain(state),
	}
	return e.conditions.Evaluate(ctx, rule.Conditions, scope)
}

func buildVars(ticketKey string, wi *schema.WorkItem, v varSource) map[string]string {
	vars := map[string]string{
		"ticketKey":     ticketKey,
		"prevStatus":    v.prevStatus,
		"currentStatus": v.currentStatus,
		"subtaskTitle":  "",
		"subtaskKey":    "",
		"activityName":  "",
		"activityId":    "",
		"dueDate":       v.dueDate,
		"activityStart": v.activityStart,
		"activityEnd":   v.activityEnd,
		"summary":       wi.Summary,
	}
	if v.subtask != nil {
		vars["subtaskTitle"] = v.subtask.Title
		vars["subtaskKey"] = v.subtask.NaturalKey()
	}
	if v.activity != nil {
		vars["activityName"] = v.activity.Name
		vars["activityId"] = v.activity.ID
	}
	return vars
}

func actionPreviews(actions []schema.ActionSpec, vars map[string]string) []string {
	previews := make([]string, 0, len(actions))
	for i := range actions {
		previews = append(previews, previewAction(&actions[i], vars))
	}
	return previews
}

func previewAction(a *schema.ActionSpec, vars map[string]string) string {
	switch a.Type {
	case schema.ActionComment:
		raw, _ := a.Params["text"].(string)
		text, err := expressions.ApplyTemplate(strings.TrimSpace(raw), vars)
		if err != nil {
			return raw
		}
		return text
	case schema.ActionTransition:
		to, _ := a.Params["toStatus"].(string)
		return "Transition → " + to
	case schema.ActionAssign:
		who, _ := a.Params["assignee"].(string)
		return "Assign → " + who
	}
	return a.Type
}

// nextSubtaskState overlays the current upstream statuses on the remembered
// ones. Subtasks no longer present upstream keep their last known status.
func nextSubtaskState(prev map[string]schema.SubtaskStatus, subtasks []schema.Subtask) map[string]schema.SubtaskStatus {
	next := make(map[string]schema.SubtaskStatus, len(prev)+len(subtasks))
	for k, v := range prev {
		next[k] = v
	}
	for i := range subtasks {
		key := strings.TrimSpace(subtasks[i].NaturalKey())
		if key == "" {
			continue
		}
		next[key] = schema.SubtaskStatus{
			Status:         subtasks[i].Status,
			StatusCategory: subtasks[i].StatusCategory,
		}
	}
	return next
}

func subtasksByKey(subtasks []schema.Subtask) map[string]*schema.Subtask {
	byKey := make(map[string]*schema.Subtask, len(subtasks))
	for i := range subtasks {
		key := strings.TrimSpace(subtasks[i].NaturalKey())
		if key != "" {
			byKey[key] = &subtasks[i]
		}
	}
	return byKey
}

// subtaskOrPlaceholder keeps vars usable when a rule targets a subtask the
// upstream no longer lists.
func subtaskOrPlaceholder(byKey map[string]*schema.Subtask, key string) *schema.Subtask {
	if st, ok := byKey[key]; ok {
		return st
	}
	return &schema.Subtask{Key: key, Title: key}
}

func subtaskDone(cur schema.SubtaskStatus, st *schema.Subtask) bool {
	if isDoneStatus(cur.StatusCategory, cur.Status) {
		return true
	}
	return st != nil && st.Done
}

func paramString(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

func paramStringList(params map[string]any, key string) []string {
	var out []string
	switch list := params[key].(type) {
	case []string:
		for _, s := range list {
			if s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func ruleLabel(rule *schema.Rule) string {
	if rule.Name != "" {
		return rule.Name
	}
	return rule.ID
}

func localDay(t time.Time) string {
	return t.Format("2006-01-02")
}

// toPlain converts a typed value into the maps-and-slices shape the
// expression engines expect.
func toPlain(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
