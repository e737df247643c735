package api

import "fwdctl/internal/model"

// JobStartRequest asks the server to start a job on a node.
type JobStartRequest struct {
	NodeID string        `json:"node_id"`
	Kind   model.JobKind `json:"kind"`
}

// JobStartResponse carries the handle used to poll the job.
type JobStartResponse struct {
	RequestID string `json:"request_id"`
}

// JobResultRequest polls a running job.
type JobResultRequest struct {
	NodeID    string        `json:"node_id"`
	Kind      model.JobKind `json:"kind"`
	RequestID string        `json:"request_id"`
}

// JobResultResponse is the job output so far. Content is the whole output
// buffer, not a delta.
type JobResultResponse struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
	TimeMs  int64  `json:"time_ms"`
}

// envelope wraps every response body: {"code":0,"msg":"","data":{...}}.
type envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}
