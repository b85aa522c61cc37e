// Package jobs holds the vocabulary shared by all AI job queues.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
)

// Name identifies a queue.
type Name string

// Known queues.
const (
	Embedding       Name = "embedding"
	DocumentParsing Name = "document-parsing"
	GrantExtraction Name = "grant-extraction"
	DeadLetter      Name = "dead-letter"
)

// Names lists all queues that accept re-deliveries.
var Names = []Name{Embedding, DocumentParsing, GrantExtraction}

// ParseName validates a queue name read from the wire.
func ParseName(s string) (Name, error) {
	switch n := Name(s); n {
	case Embedding, DocumentParsing, GrantExtraction, DeadLetter:
		return n, nil
	default:
		return "", fmt.Errorf("unknown queue: %q", s)
	}
}

func (n Name) String() string {
	return string(n)
}

// Accountability is the permission context of the caller that created a job.
type Accountability struct {
	User  string `json:"user,omitempty"`
	Role  string `json:"role,omitempty"`
	Admin bool   `json:"admin,omitempty"`
	App   bool   `json:"app,omitempty"`
}

// Job is the envelope stored on a queue.
//
// Payload is the queue specific job description.
// Accountability and Schema are stamped on by producers
// and stripped before a job is dead-lettered.
type Job struct {
	Payload        json.RawMessage `json:"payload"`
	Accountability *Accountability `json:"accountability,omitempty"`
	Schema         json.RawMessage `json:"schema,omitempty"`
}

// NewJob marshals a payload into a job envelope.
func NewJob(payload interface{}, acc *Accountability, schema json.RawMessage) (*Job, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &Job{
		Payload:        buf,
		Accountability: acc,
		Schema:         schema,
	}, nil
}

// Stripped returns a copy without accountability and schema.
func (j *Job) Stripped() *Job {
	return &Job{Payload: j.Payload}
}

// Decode unmarshals the job payload.
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// Queue is the consumer side of a job queue.
type Queue interface {
	Name() Name
	// Process consumes a bounded amount of work.
	Process(ctx context.Context) error
	// Size returns the number of outstanding jobs.
	Size(ctx context.Context) (int64, error)
	// Requeue unconditionally re-delivers a previously accepted job.
	Requeue(ctx context.Context, job *Job) error
}
