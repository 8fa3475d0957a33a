// Package transport defines the messages exchanged with the sync service and
// a reference HTTP client for them.
//
// A device POSTs a Request carrying its unsent change records and a summary
// of each subscribed group. The service answers with, per group, the records
// other devices wrote since the group's tidemark:
//
//	POST <service>/sync
//	X-Application-Key: ...
//	X-Account-Key: ...
//
//	{"device_id": "...", "group_summaries": {"default": {"tidemark": 0, "hash": "..."}}, "changes": [...]}
package transport

import (
	"fmt"

	"github.com/tidemark-sync/tidemark/internal/change"
)

// Request is one device-to-service message.
type Request struct {
	AppKey     string                  `json:"app_key"`
	AccountKey string                  `json:"account_key"`
	DeviceID   string                  `json:"device_id"`
	Extra      map[string]string       `json:"extra,omitempty"`
	Groups     map[string]GroupSummary `json:"group_summaries"`
	Changes    []change.Record         `json:"changes"`
}

// GroupSummary tells the service what the device already holds for a group.
type GroupSummary struct {
	Tidemark int64 `json:"tidemark"`
	// Hash is a hex xxhash64 over the sorted entity/id keys stored locally.
	Hash string `json:"hash,omitempty"`
}

// Response is the service's answer.
type Response struct {
	Groups map[string]GroupChanges `json:"groups"`
}

// GroupChanges carries the records of one group newer than the tidemark the
// device sent.
type GroupChanges struct {
	Tidemark int64    `json:"tidemark"`
	More     bool     `json:"more,omitempty"`
	Changes  []Change `json:"changes"`
}

// Change is a record as delivered by the service, stamped with the service's
// sequence number.
type Change struct {
	change.Record
	Seq int64 `json:"seq"`
}

// Validate checks a request before it is sent or after it is received.
func (r *Request) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("request has no device id")
	}
	for _, c := range r.Changes {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every record of the response.
func (r *Response) Validate() error {
	for name, g := range r.Groups {
		if g.Tidemark < 0 {
			return fmt.Errorf("group %s: negative tidemark %d", name, g.Tidemark)
		}
		for _, c := range g.Changes {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("group %s: %w", name, err)
			}
			if c.Group != name {
				return fmt.Errorf("group %s: change %s belongs to group %s", name, c.ID, c.Group)
			}
		}
	}
	return nil
}
