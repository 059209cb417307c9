package tui

import (
	"fmt"
	"strings"

	"github.com/we-expense/expense-cli/api"
)

const dateLayout = "2006-01-02 15:04"

// FormatUser renders a profile as "name <email>" plus the subtitle.
func FormatUser(u api.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <%s>", u.DisplayName(), u.Email)
	if u.Subtitle != nil && *u.Subtitle != "" {
		fmt.Fprintf(&b, "\n%s", *u.Subtitle)
	}
	if !u.IsActive {
		b.WriteString("\n(inactive)")
	}
	return b.String()
}

// FormatExpenseLine renders one expense as a single row.
func FormatExpenseLine(e api.Expense) string {
	return fmt.Sprintf("%s %-36s  %s  %-24s %10.2f",
		e.Category.Icon(),
		e.ID,
		e.Date.Local().Format(dateLayout),
		truncate(e.Title, 24),
		e.Amount,
	)
}

// FormatExpenses renders a list with a total row.
func FormatExpenses(list []api.Expense) string {
	if len(list) == 0 {
		return "No expenses yet."
	}
	var (
		b     strings.Builder
		total float64
	)
	for _, e := range list {
		b.WriteString(FormatExpenseLine(e))
		b.WriteString("\n")
		total += e.Amount
	}
	fmt.Fprintf(&b, "%d expenses, total %.2f", len(list), total)
	return b.String()
}

// FormatExpense renders one expense with its splits and items.
func FormatExpense(e api.Expense) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", e.Category.Icon(), e.Title)
	fmt.Fprintf(&b, "  id:       %s\n", e.ID)
	fmt.Fprintf(&b, "  date:     %s\n", e.Date.Local().Format(dateLayout))
	fmt.Fprintf(&b, "  category: %s\n", e.Category)
	fmt.Fprintf(&b, "  amount:   %.2f", e.Amount)
	if e.RecipientEmail != nil {
		fmt.Fprintf(&b, "\n  receipt:  sent to %s", *e.RecipientEmail)
	}

	if len(e.Splits) > 0 {
		b.WriteString("\n  splits:")
		for _, s := range e.Splits {
			amount := "equal share"
			if s.Amount != nil {
				amount = fmt.Sprintf("%.2f", *s.Amount)
			}
			marker := ""
			if s.IsCurrentUser() {
				marker = " (you)"
			}
			fmt.Fprintf(&b, "\n    %-3s %s%s: %s", s.Initials, s.Name, marker, amount)
		}
	}
	if len(e.Items) > 0 {
		b.WriteString("\n  items:")
		for _, it := range e.Items {
			fmt.Fprintf(&b, "\n    %dx %s @ %.2f", it.Quantity, it.Name, it.Price)
		}
	}
	return b.String()
}

// FormatSavedItems renders the saved item templates.
func FormatSavedItems(items []api.SavedItem) string {
	if len(items) == 0 {
		return "No saved items."
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%-36s  %-24s %8.2f", it.ID, truncate(it.Name, 24), it.DefaultPrice)
	}
	return b.String()
}

// FormatSummary renders the profile, spending per category and per month,
// and counts.
func FormatSummary(user api.User, expenses []api.Expense, items []api.SavedItem) string {
	var b strings.Builder
	b.WriteString(FormatUser(user))
	b.WriteString("\n\n")

	var grand float64
	for _, s := range api.CategoryShares(expenses) {
		fmt.Fprintf(&b, "%s %-10s %10.2f %6.1f%%\n", s.Category.Icon(), s.Category, s.Amount, s.Percent)
		grand += s.Amount
	}
	fmt.Fprintf(&b, "  %-10s %10.2f\n\n", "Total", grand)

	if months := api.MonthlyTotals(expenses); len(months) > 0 {
		for _, m := range months {
			fmt.Fprintf(&b, "  %-10s %10.2f\n", m.Month.Format("Jan 2006"), m.Total)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%d expenses, %d saved items", len(expenses), len(items))
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
