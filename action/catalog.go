package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tekupdk/actionguard/auth"
)

// RiskLevel grades the blast radius of an action.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Roles known to the catalog, lowest first. Each role inherits the one
// before it.
const (
	RoleGuest = "guest"
	RoleUser  = "user"
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

// Entry describes one allowlisted action type.
type Entry struct {
	Type             string    `json:"type"`
	Label            string    `json:"label"`
	RiskLevel        RiskLevel `json:"riskLevel"`
	RequiresApproval bool      `json:"requiresApproval"`
	RateLimitPerHour int       `json:"rateLimitPerHour"`
	// AllowedRoles lists the roles that may run the action. Empty means
	// every role except guest.
	AllowedRoles []string `json:"allowedRoles,omitempty"`
	Description  string   `json:"description"`

	newParams func() any
}

// Catalog is the allowlist of action types and their parameter shapes.
//
// Contract:
// - Concurrency: read-only after construction; safe for concurrent use.
type Catalog struct {
	entries map[string]Entry
}

var (
	paramsValidate  = newParamsValidator()
	defaultCatalog  = DefaultCatalog()
	roleLadder      = []string{RoleGuest, RoleUser, RoleAdmin, RoleOwner}
	nonGuestRoles   = []string{RoleUser, RoleAdmin, RoleOwner}
	emptyJSONObject = []byte("{}")
)

func newParamsValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		if d, ok := f.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func params[T any]() func() any { return func() any { return new(T) } }

// DefaultCatalog returns the assistant's built-in action catalog.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Entry{
			Type: "create_lead", Label: "Create lead", RiskLevel: RiskLow,
			RateLimitPerHour: 50,
			Description:      "Creates a new lead in the CRM",
			newParams:        params[CreateLeadParams](),
		},
		Entry{
			Type: "create_task", Label: "Create task", RiskLevel: RiskLow,
			RateLimitPerHour: 100,
			Description:      "Creates a follow-up task",
			newParams:        params[CreateTaskParams](),
		},
		Entry{
			Type: "book_meeting", Label: "Book meeting", RiskLevel: RiskMedium,
			RequiresApproval: true, RateLimitPerHour: 20,
			AllowedRoles: []string{RoleAdmin, RoleOwner},
			Description:  "Creates a calendar event, as a draft unless approved",
			newParams:    params[BookMeetingParams](),
		},
		Entry{
			Type: "create_invoice", Label: "Create invoice", RiskLevel: RiskHigh,
			RequiresApproval: true, RateLimitPerHour: 10,
			AllowedRoles: []string{RoleOwner},
			Description:  "Creates an invoice in the accounting system",
			newParams:    params[CreateInvoiceParams](),
		},
		Entry{
			Type: "search_gmail", Label: "Search Gmail", RiskLevel: RiskLow,
			RateLimitPerHour: 200,
			Description:      "Searches Gmail by query or label",
			newParams:        params[SearchEmailParams](),
		},
		Entry{
			Type: "search_email", Label: "Search email", RiskLevel: RiskLow,
			RateLimitPerHour: 200,
			Description:      "Searches email threads (alias for search_gmail)",
			newParams:        params[SearchEmailParams](),
		},
		Entry{
			Type: "request_flytter_photos", Label: "Request photos", RiskLevel: RiskLow,
			RateLimitPerHour: 30,
			Description:      "Emails the customer asking for photos before a move-out cleaning",
			newParams:        params[ThreadParams](),
		},
		Entry{
			Type: "job_completion", Label: "Complete job", RiskLevel: RiskMedium,
			RequiresApproval: true, RateLimitPerHour: 30,
			Description: "Marks a job done and sends the customer a confirmation",
			newParams:   params[ThreadParams](),
		},
		Entry{
			Type: "list_tasks", Label: "List tasks", RiskLevel: RiskLow,
			RateLimitPerHour: 200,
			Description:      "Lists the user's tasks",
			newParams:        params[NoParams](),
		},
		Entry{
			Type: "list_leads", Label: "List leads", RiskLevel: RiskLow,
			RateLimitPerHour: 200,
			Description:      "Lists the user's leads",
			newParams:        params[ListLeadsParams](),
		},
		Entry{
			Type: "check_calendar", Label: "Check calendar", RiskLevel: RiskLow,
			RateLimitPerHour: 100,
			Description:      "Lists upcoming calendar events",
			newParams:        params[NoParams](),
		},
		Entry{
			Type: "ai_generate_summaries", Label: "AI: generate summaries", RiskLevel: RiskLow,
			RateLimitPerHour: 60,
			Description:      "Summarizes the selected emails, or the 25 latest in the inbox",
			newParams:        params[InboxAIParams](),
		},
		Entry{
			Type: "ai_suggest_labels", Label: "AI: suggest labels", RiskLevel: RiskLow,
			RateLimitPerHour: 60,
			Description:      "Suggests, and optionally applies, labels for the selected emails",
			newParams:        params[InboxAIParams](),
		},
	)
}

// NewCatalog builds a catalog from entries. Later entries replace earlier
// ones with the same type. Entries without a parameter shape accept any
// JSON object.
func NewCatalog(entries ...Entry) *Catalog {
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if e.newParams == nil {
			e.newParams = params[map[string]any]()
		}
		c.entries[e.Type] = e
	}
	return c
}

// IsAllowed reports whether actionType is in the catalog.
func (c *Catalog) IsAllowed(actionType string) bool {
	_, ok := c.entries[actionType]
	return ok
}

// Entry returns the catalog entry for actionType.
func (c *Catalog) Entry(actionType string) (Entry, bool) {
	e, ok := c.entries[actionType]
	return e, ok
}

// Types returns every allowlisted type, sorted.
func (c *Catalog) Types() []string {
	out := make([]string, 0, len(c.entries))
	for t := range c.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RequiresApproval reports whether actionType needs explicit approval.
// Unknown types always do.
func (c *Catalog) RequiresApproval(actionType string) bool {
	e, ok := c.entries[actionType]
	return !ok || e.RequiresApproval
}

// ValidateParams decodes raw into the parameter struct for actionType and
// validates it. Empty or null params are treated as {}.
func (c *Catalog) ValidateParams(actionType string, raw json.RawMessage) (any, error) {
	e, ok := c.entries[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, actionType)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = emptyJSONObject
	}

	p := e.newParams()
	if err := json.Unmarshal(trimmed, p); err != nil {
		return nil, &ValidationError{ActionType: actionType, Fields: []FieldError{decodeFieldError(err)}}
	}

	v := reflect.ValueOf(p).Elem()
	if v.Kind() != reflect.Struct {
		return v.Interface(), nil
	}
	if err := paramsValidate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, err
		}
		fields := make([]FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, FieldError{Field: fieldPath(fe), Message: fieldMessage(fe)})
		}
		return nil, &ValidationError{ActionType: actionType, Fields: fields}
	}
	return v.Interface(), nil
}

// RBAC derives role permissions from AllowedRoles, with each role on the
// ladder inheriting the one below it.
func (c *Catalog) RBAC() auth.RBACConfig {
	roles := make(map[string]auth.RoleConfig, len(roleLadder))
	for i, name := range roleLadder {
		rc := auth.RoleConfig{}
		if i > 0 {
			rc.Inherits = []string{roleLadder[i-1]}
		}
		roles[name] = rc
	}

	for _, t := range c.Types() {
		e := c.entries[t]
		allowed := e.AllowedRoles
		if len(allowed) == 0 {
			allowed = nonGuestRoles
		}
		perm := auth.ResourceTypeAction + ":" + t + ":" + auth.OperationExecute
		for _, role := range allowed {
			rc := roles[role]
			if !slices.Contains(rc.Permissions, perm) {
				rc.Permissions = append(rc.Permissions, perm)
			}
			roles[role] = rc
		}
	}
	return auth.RBACConfig{Roles: roles, DefaultRole: RoleGuest}
}

func fieldPath(fe validator.FieldError) string {
	// Namespace is "<Struct>.<field>..."; drop the struct name.
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email"
	case "min", "gte":
		if fe.Kind() == reflect.String {
			return "must be at least " + fe.Param() + " characters"
		}
		return "must be at least " + fe.Param()
	case "max", "lte":
		if fe.Kind() == reflect.String {
			return "must be at most " + fe.Param() + " characters"
		}
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	default:
		return "failed " + fe.Tag()
	}
}

func decodeFieldError(err error) FieldError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return FieldError{Field: typeErr.Field, Message: "must be " + typeErr.Type.String()}
	}
	return FieldError{Field: "params", Message: err.Error()}
}

// IsAllowed reports whether actionType is in the default catalog.
func IsAllowed(actionType string) bool { return defaultCatalog.IsAllowed(actionType) }

// Lookup returns the default catalog entry for actionType.
func Lookup(actionType string) (Entry, bool) { return defaultCatalog.Entry(actionType) }

// ValidateParams validates raw against the default catalog.
func ValidateParams(actionType string, raw json.RawMessage) (any, error) {
	return defaultCatalog.ValidateParams(actionType, raw)
}

// RequiresApproval reports whether actionType needs approval in the default
// catalog. Unknown types always do.
func RequiresApproval(actionType string) bool { return defaultCatalog.RequiresApproval(actionType) }
