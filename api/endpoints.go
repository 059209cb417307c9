package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/we-expense/expense-cli/credstore"
)

// RegisterRequest is the body of the sign-up call.
type RegisterRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Username *string `json:"username,omitempty"`
}

// Register creates an account. It does not sign in.
func (c *Client) Register(ctx context.Context, r RegisterRequest) (User, error) {
	return Execute[User](ctx, c, Attempt{
		Endpoint:  "/register",
		Method:    http.MethodPost,
		Body:      r,
		Anonymous: true,
	})
}

// Login exchanges credentials for a token pair and stores both tokens.
func (c *Client) Login(ctx context.Context, email, password string) (AuthResponse, error) {
	auth, err := Execute[AuthResponse](ctx, c, Attempt{
		Endpoint:  "/token",
		Method:    http.MethodPost,
		Form:      url.Values{"username": {email}, "password": {password}},
		Anonymous: true,
	})
	if err != nil {
		return AuthResponse{}, err
	}
	if auth.AccessToken == "" {
		return AuthResponse{}, errDecodingFailed(errors.New("login response has an empty access_token"))
	}

	if err := c.store.Set(credstore.AccessTokenKey, auth.AccessToken); err != nil {
		return AuthResponse{}, fmt.Errorf("failed to store access token: %w", err)
	}
	if auth.RefreshToken != "" {
		if err := c.store.Set(credstore.RefreshTokenKey, auth.RefreshToken); err != nil {
			return AuthResponse{}, fmt.Errorf("failed to store refresh token: %w", err)
		}
	}
	c.logger.Info("api: signed in", "email", email)
	return auth, nil
}

// Logout removes both stored tokens.
func (c *Client) Logout() error {
	if err := credstore.Clear(c.store); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	c.logger.Info("api: signed out")
	return nil
}

// CurrentUser fetches the signed-in user's profile.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	return Execute[User](ctx, c, Attempt{Endpoint: "/users/me"})
}

// UpdateProfile applies a partial profile update.
func (c *Client) UpdateProfile(ctx context.Context, update UserUpdate) (User, error) {
	return Execute[User](ctx, c, Attempt{
		Endpoint: "/users/me",
		Method:   http.MethodPut,
		Body:     update,
	})
}

// Expenses lists the signed-in user's expenses.
func (c *Client) Expenses(ctx context.Context) ([]Expense, error) {
	expenses, err := Execute[[]Expense](ctx, c, Attempt{Endpoint: "/expenses/"})
	if err != nil {
		return nil, err
	}
	if expenses == nil {
		expenses = []Expense{}
	}
	return expenses, nil
}

// Expense fetches one expense.
func (c *Client) Expense(ctx context.Context, id uuid.UUID) (Expense, error) {
	return Execute[Expense](ctx, c, Attempt{Endpoint: expensePath(id)})
}

// CreateExpense creates an expense and returns the stored version.
func (c *Client) CreateExpense(ctx context.Context, e ExpenseCreate) (Expense, error) {
	return Execute[Expense](ctx, c, Attempt{
		Endpoint: "/expenses/",
		Method:   http.MethodPost,
		Body:     normalizeExpense(e),
	})
}

// UpdateExpense replaces an existing expense.
func (c *Client) UpdateExpense(ctx context.Context, id uuid.UUID, e ExpenseCreate) (Expense, error) {
	return Execute[Expense](ctx, c, Attempt{
		Endpoint: expensePath(id),
		Method:   http.MethodPut,
		Body:     normalizeExpense(e),
	})
}

// DeleteExpense removes an expense.
func (c *Client) DeleteExpense(ctx context.Context, id uuid.UUID) error {
	_, err := Execute[Empty](ctx, c, Attempt{
		Endpoint: expensePath(id),
		Method:   http.MethodDelete,
	})
	return err
}

// SavedItems lists the user's saved item templates.
func (c *Client) SavedItems(ctx context.Context) ([]SavedItem, error) {
	items, err := Execute[[]SavedItem](ctx, c, Attempt{Endpoint: "/saved-items/"})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []SavedItem{}
	}
	return items, nil
}

// CreateSavedItem stores a new item template.
func (c *Client) CreateSavedItem(ctx context.Context, item SavedItemCreate) (SavedItem, error) {
	return Execute[SavedItem](ctx, c, Attempt{
		Endpoint: "/saved-items/",
		Method:   http.MethodPost,
		Body:     item,
	})
}

// DeleteSavedItem removes an item template.
func (c *Client) DeleteSavedItem(ctx context.Context, id uuid.UUID) error {
	_, err := Execute[Empty](ctx, c, Attempt{
		Endpoint: "/saved-items/" + id.String(),
		Method:   http.MethodDelete,
	})
	return err
}

func expensePath(id uuid.UUID) string {
	return "/expenses/" + id.String()
}

// normalizeExpense sends empty arrays rather than null for splits and items.
func normalizeExpense(e ExpenseCreate) ExpenseCreate {
	if e.Splits == nil {
		e.Splits = []SplitCreate{}
	}
	if e.Items == nil {
		e.Items = []ExpenseItemCreate{}
	}
	return e
}
