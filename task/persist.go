package task

import "github.com/converge-project/converge/topic"

// persistedTask is the JSON-on-disk shape of a Task. ClaimedAtMonotonicMS
// is intentionally omitted: a monotonic reading from one process has no
// meaning once reloaded in another, so persist.go never round-trips it.
type persistedTask struct {
	ID                   string          `json:"id"`
	Objective            map[string]any  `json:"objective"`
	Inputs               map[string]any  `json:"inputs"`
	Outputs              map[string]any  `json:"outputs"`
	Constraints          map[string]any  `json:"constraints"`
	Evaluator            string          `json:"evaluator"`
	State                State           `json:"state"`
	AssignedTo           string          `json:"assigned_to,omitempty"`
	Result               any             `json:"result,omitempty"`
	PoolID               string          `json:"pool_id,omitempty"`
	Topic                *persistedTopic `json:"topic,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
}

type persistedTopic struct {
	Namespace  string            `json:"namespace"`
	Attributes map[string]string `json:"attributes"`
	Version    string            `json:"version"`
}

func toPersisted(t *Task) persistedTask {
	p := persistedTask{
		ID:                   t.ID,
		Objective:            t.Objective,
		Inputs:               t.Inputs,
		Outputs:              t.Outputs,
		Constraints:          t.Constraints,
		Evaluator:            t.Evaluator,
		State:                t.State,
		AssignedTo:           t.AssignedTo,
		Result:               t.Result,
		PoolID:               t.PoolID,
		RequiredCapabilities: t.RequiredCapabilities,
	}
	if t.Topic != nil {
		p.Topic = &persistedTopic{Namespace: t.Topic.Namespace, Attributes: t.Topic.Attributes, Version: t.Topic.Version}
	}
	return p
}

func fromPersisted(p persistedTask) *Task {
	t := &Task{
		ID:                   p.ID,
		Objective:            p.Objective,
		Inputs:               p.Inputs,
		Outputs:              p.Outputs,
		Constraints:          p.Constraints,
		Evaluator:            p.Evaluator,
		State:                p.State,
		AssignedTo:           p.AssignedTo,
		Result:               p.Result,
		PoolID:               p.PoolID,
		RequiredCapabilities: p.RequiredCapabilities,
	}
	if p.Topic != nil {
		top := topic.New(p.Topic.Namespace, p.Topic.Attributes, p.Topic.Version)
		t.Topic = &top
	}
	return t
}
