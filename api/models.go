package api

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// AuthResponse is returned by the login and refresh endpoints.
type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Token converts the response into an oauth2.Token.
func (a AuthResponse) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		TokenType:    a.TokenType,
	}
}

// User is the authenticated account's profile.
type User struct {
	ID               string  `json:"id"`
	Email            string  `json:"email"`
	IsActive         bool    `json:"is_active"`
	Username         *string `json:"username,omitempty"`
	Subtitle         *string `json:"subtitle,omitempty"`
	ProfileImageData []byte  `json:"profile_image_data,omitempty"`
}

// DisplayName returns the username, falling back to the email address.
func (u User) DisplayName() string {
	if u.Username != nil && *u.Username != "" {
		return *u.Username
	}
	return u.Email
}

// UserUpdate is a partial profile update; nil fields are left untouched.
type UserUpdate struct {
	Username         *string `json:"username,omitempty"`
	Subtitle         *string `json:"subtitle,omitempty"`
	ProfileImageData []byte  `json:"profile_image_data,omitempty"`
}

// ExpenseCategory is the server's fixed category set.
type ExpenseCategory string

const (
	CategoryLodging    ExpenseCategory = "Lodging"
	CategoryFood       ExpenseCategory = "Food"
	CategoryActivities ExpenseCategory = "Fun"
	CategoryTransport  ExpenseCategory = "Transport"
)

// Categories lists every category in display order.
var Categories = []ExpenseCategory{
	CategoryLodging,
	CategoryFood,
	CategoryActivities,
	CategoryTransport,
}

// ParseCategory matches s case-insensitively against the category values.
func ParseCategory(s string) (ExpenseCategory, error) {
	for _, c := range Categories {
		if strings.EqualFold(string(c), strings.TrimSpace(s)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q (want one of Lodging, Food, Fun, Transport)", s)
}

func (c *ExpenseCategory) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, known := range Categories {
		if string(known) == s {
			*c = known
			return nil
		}
	}
	return fmt.Errorf("unknown expense category %q", s)
}

// Icon is the emoji shown next to the category.
func (c ExpenseCategory) Icon() string {
	switch c {
	case CategoryLodging:
		return "🏨"
	case CategoryFood:
		return "🍔"
	case CategoryActivities:
		return "🎪"
	case CategoryTransport:
		return "🚗"
	}
	return "•"
}

// ExpenseItem is one line item of an expense.
type ExpenseItem struct {
	ID        uuid.UUID `json:"id"`
	ExpenseID uuid.UUID `json:"expense_id"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Quantity  int       `json:"quantity"`
	ImageData []byte    `json:"image_data,omitempty"`
}

// Split is one participant's share of an expense.
type Split struct {
	ID        uuid.UUID `json:"id"`
	ExpenseID uuid.UUID `json:"expense_id"`
	Name      string    `json:"name"`
	Initials  string    `json:"initials"`
	Amount    *float64  `json:"amount,omitempty"`
}

// IsCurrentUser reports whether the split belongs to the signed-in user.
func (s Split) IsCurrentUser() bool {
	return s.Name == "You"
}

// SavedItem is a reusable item template with a default price.
type SavedItem struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	DefaultPrice float64   `json:"default_price"`
}

// Expense as returned by the server.
type Expense struct {
	ID             uuid.UUID       `json:"id"`
	Title          string          `json:"title"`
	Amount         float64         `json:"amount"`
	Date           Time            `json:"date"`
	Category       ExpenseCategory `json:"category"`
	ReceiptData    []byte          `json:"receipt_data,omitempty"`
	RecipientEmail *string         `json:"recipient_email,omitempty"`
	Splits         []Split         `json:"splits"`
	Items          []ExpenseItem   `json:"items"`
}

// UnmarshalJSON decodes an expense, treating absent or null splits and items
// as empty so payloads from older server versions still decode.
func (e *Expense) UnmarshalJSON(data []byte) error {
	type plain Expense
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if decoded.Splits == nil {
		decoded.Splits = []Split{}
	}
	if decoded.Items == nil {
		decoded.Items = []ExpenseItem{}
	}
	*e = Expense(decoded)
	return nil
}

// ExpenseCreate is the body for creating or replacing an expense.
type ExpenseCreate struct {
	Title          string              `json:"title"`
	Amount         float64             `json:"amount"`
	Date           Time                `json:"date"`
	Category       ExpenseCategory     `json:"category"`
	ReceiptData    []byte              `json:"receipt_data,omitempty"`
	RecipientEmail *string             `json:"recipient_email,omitempty"`
	TelegramChatID *string             `json:"telegram_chat_id,omitempty"`
	Splits         []SplitCreate       `json:"splits"`
	Items          []ExpenseItemCreate `json:"items"`
}

// ExpenseItemCreate is a line item inside ExpenseCreate.
type ExpenseItemCreate struct {
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
	ImageData []byte  `json:"image_data,omitempty"`
}

// SplitCreate is a split inside ExpenseCreate.
type SplitCreate struct {
	Name     string   `json:"name"`
	Initials string   `json:"initials"`
	Amount   *float64 `json:"amount,omitempty"`
}

// SavedItemCreate is the body for creating a saved item.
type SavedItemCreate struct {
	Name         string  `json:"name"`
	DefaultPrice float64 `json:"default_price"`
}

// CategoryTotals sums expense amounts per category.
func CategoryTotals(expenses []Expense) map[ExpenseCategory]float64 {
	totals := make(map[ExpenseCategory]float64, len(Categories))
	for _, e := range expenses {
		totals[e.Category] += e.Amount
	}
	return totals
}

// FilterExpenses keeps the expenses in category whose title contains search,
// ignoring case. An empty category or search matches everything.
func FilterExpenses(expenses []Expense, category ExpenseCategory, search string) []Expense {
	search = strings.ToLower(strings.TrimSpace(search))
	out := make([]Expense, 0, len(expenses))
	for _, e := range expenses {
		if category != "" && e.Category != category {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.Title), search) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// SortNewestFirst orders expenses by date, latest first. Equal dates keep
// their server order.
func SortNewestFirst(expenses []Expense) {
	slices.SortStableFunc(expenses, func(a, b Expense) int {
		return b.Date.Compare(a.Date.Time)
	})
}

// CategoryShare is one category's spending and its percentage of the total.
type CategoryShare struct {
	Category ExpenseCategory
	Amount   float64
	Percent  float64
}

// CategoryShares returns the categories with spending, largest first.
func CategoryShares(expenses []Expense) []CategoryShare {
	totals := CategoryTotals(expenses)
	var grand float64
	for _, t := range totals {
		grand += t
	}

	shares := make([]CategoryShare, 0, len(Categories))
	for _, c := range Categories {
		amount := totals[c]
		if amount <= 0 {
			continue
		}
		var pct float64
		if grand > 0 {
			pct = amount / grand * 100
		}
		shares = append(shares, CategoryShare{Category: c, Amount: amount, Percent: pct})
	}
	slices.SortStableFunc(shares, func(a, b CategoryShare) int {
		return cmp.Compare(b.Amount, a.Amount)
	})
	return shares
}

// MonthTotal is the spending of one calendar month.
type MonthTotal struct {
	Month time.Time // first day of the month, UTC
	Total float64
}

// MonthlyTotals sums spending per calendar month, oldest month first.
func MonthlyTotals(expenses []Expense) []MonthTotal {
	sums := make(map[time.Time]float64)
	for _, e := range expenses {
		m := time.Date(e.Date.Year(), e.Date.Month(), 1, 0, 0, 0, 0, time.UTC)
		sums[m] += e.Amount
	}

	months := make([]MonthTotal, 0, len(sums))
	for m, total := range sums {
		months = append(months, MonthTotal{Month: m, Total: total})
	}
	slices.SortFunc(months, func(a, b MonthTotal) int {
		return a.Month.Compare(b.Month)
	})
	return months
}
