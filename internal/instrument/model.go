package instrument

import (
	"strings"
	"time"
)

// InstalledReagent is this service's local cache of what sits in an
// instrument. The warehouse owns the truth; reagent-sync refreshes the cache.
type InstalledReagent struct {
	ID           int64     `json:"id"`
	InstrumentID string    `json:"instrument_id"`
	ReagentCode  string    `json:"reagent_code"`
	LotNumber    string    `json:"lot_number"`
	Quantity     int       `json:"quantity"`
	InstalledAt  time.Time `json:"installed_at"`
}

type InstallReagentRequest struct {
	ReagentCode string `json:"reagent_code"`
	LotNumber   string `json:"lot_number"`
	Quantity    int    `json:"quantity"`
}

func (r InstallReagentRequest) Validate() error {
	code := strings.TrimSpace(r.ReagentCode)
	if code == "" {
		return ValidationError("reagent_code is required")
	}
	if len(code) > 64 {
		return ValidationError("reagent_code must be at most 64 characters")
	}
	if strings.TrimSpace(r.LotNumber) == "" {
		return ValidationError("lot_number is required")
	}
	if r.Quantity <= 0 {
		return ValidationError("quantity must be positive")
	}
	return nil
}

// reagentItem is the wire shape shared by install requests and sync replies.
type reagentItem struct {
	InstrumentID string `json:"instrument_id"`
	ReagentCode  string `json:"reagent_code"`
	LotNumber    string `json:"lot_number"`
	Quantity     int    `json:"quantity"`
}

type instrumentRef struct {
	InstrumentID string `json:"instrument_id"`
}
