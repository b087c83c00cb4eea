// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adiadia/op-distributor/internal/domain"
)

// flexID accepts ids encoded either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type apiDistribution struct {
	XPAmount int    `json:"xpAmount"`
	NameList string `json:"nameList"`
	Remark   string `json:"remark"`
}

type apiEvent struct {
	ID            flexID            `json:"id"`
	Title         string            `json:"title"`
	EventDate     string            `json:"eventDate"`
	Requestor     string            `json:"requestor"`
	Region        string            `json:"region"`
	Status        string            `json:"status"`
	LastEditor    string            `json:"lastEditor"`
	Distributions []apiDistribution `json:"distributions"`
}

var eventDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (e apiEvent) toDomain() (domain.Event, error) {
	id := strings.TrimSpace(string(e.ID))
	if id == "" {
		return domain.Event{}, fmt.Errorf("event without id")
	}

	ev := domain.Event{
		ID:         id,
		Title:      strings.TrimSpace(e.Title),
		Requestor:  strings.TrimSpace(e.Requestor),
		Region:     strings.TrimSpace(e.Region),
		Status:     domain.EventStatus(strings.TrimSpace(e.Status)),
		LastEditor: strings.TrimSpace(e.LastEditor),
	}
	if canonical, err := domain.ParseEventStatus(e.Status); err == nil {
		ev.Status = canonical
	}

	if raw := strings.TrimSpace(e.EventDate); raw != "" {
		for _, layout := range eventDateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				ev.EventDate = t.UTC()
				break
			}
		}
	}

	ev.Distributions = make([]domain.Distribution, 0, len(e.Distributions))
	for i, d := range e.Distributions {
		if d.XPAmount < 0 {
			return domain.Event{}, fmt.Errorf("distribution %d: negative points %d", i, d.XPAmount)
		}
		ev.Distributions = append(ev.Distributions, domain.Distribution{
			Points:     d.XPAmount,
			Recipients: domain.ParseNameList(d.NameList),
			Remark:     strings.TrimSpace(d.Remark),
		})
	}

	return ev, nil
}
