package action

import (
	"github.com/shopspring/decimal"
)

// Parameter shapes per action type. Unknown JSON fields are ignored.

type CreateLeadParams struct {
	Name   string `json:"name" validate:"min=1,max=255"`
	Email  string `json:"email,omitempty" validate:"omitempty,email"`
	Phone  string `json:"phone,omitempty"`
	Source string `json:"source,omitempty"`
}

type CreateTaskParams struct {
	Title       string `json:"title" validate:"min=1,max=255"`
	Description string `json:"description,omitempty"`
	DueInDays   *int   `json:"dueInDays,omitempty" validate:"omitempty,min=0,max=365"`
	DueInHours  *int   `json:"dueInHours,omitempty" validate:"omitempty,min=0,max=8760"`
	Priority    string `json:"priority,omitempty" validate:"omitempty,oneof=low medium high"`
}

type BookMeetingParams struct {
	Title           string   `json:"title,omitempty" validate:"omitempty,min=1,max=255"`
	DurationMin     *int     `json:"durationMin,omitempty" validate:"omitempty,min=5,max=480"`
	DurationMinutes *int     `json:"durationMinutes,omitempty" validate:"omitempty,min=5,max=480"`
	Attendees       []string `json:"attendees,omitempty" validate:"omitempty,dive,email"`
	Description     string   `json:"description,omitempty"`
}

// Duration returns the requested length in minutes, preferring
// durationMinutes, or 0 when unset.
func (p BookMeetingParams) Duration() int {
	switch {
	case p.DurationMinutes != nil:
		return *p.DurationMinutes
	case p.DurationMin != nil:
		return *p.DurationMin
	default:
		return 0
	}
}

type InvoiceLine struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

type CreateInvoiceParams struct {
	ThreadID  string           `json:"threadId,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty" validate:"omitempty,gte=0"`
	Lines     []InvoiceLine    `json:"lines,omitempty" validate:"omitempty,dive"`
	DueInDays *int             `json:"dueInDays,omitempty" validate:"omitempty,min=0,max=365"`
}

// Total returns Amount when set, otherwise the sum of the lines.
func (p CreateInvoiceParams) Total() decimal.Decimal {
	if p.Amount != nil {
		return *p.Amount
	}
	total := decimal.Zero
	for _, l := range p.Lines {
		total = total.Add(l.Quantity.Mul(l.UnitPrice))
	}
	return total
}

type SearchEmailParams struct {
	Label      string `json:"label,omitempty"`
	Query      string `json:"query,omitempty"`
	MaxResults *int   `json:"maxResults,omitempty" validate:"omitempty,min=1,max=100"`
}

type ThreadParams struct {
	ThreadID     string `json:"threadId" validate:"required"`
	Template     string `json:"template,omitempty"`
	CustomerName string `json:"customerName,omitempty"`
	JobType      string `json:"jobType,omitempty"`
}

type ListLeadsParams struct {
	Status string `json:"status,omitempty"`
	Limit  *int   `json:"limit,omitempty" validate:"omitempty,min=1,max=100"`
}

type NoParams struct{}

type InboxAIParams struct {
	EmailIDs      []int64 `json:"emailIds,omitempty"`
	MaxConcurrent *int    `json:"maxConcurrent,omitempty" validate:"omitempty,min=1,max=10"`
	SkipCached    *bool   `json:"skipCached,omitempty"`
	AutoApply     *bool   `json:"autoApply,omitempty"`
}
