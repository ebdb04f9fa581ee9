// Package trello is a thin client for the pieces of the Trello REST API
// the service depends on: member lookup, card access checks, and comment
// creation.
package trello

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shohag/cardhook/internal/config"
)

var (
	// ErrTokenRejected means Trello definitively refused the token; the
	// cached copy should be discarded.
	ErrTokenRejected = errors.New("trello rejected token")
	// ErrUnavailable means the call never got a definite answer; the
	// token may still be valid.
	ErrUnavailable = errors.New("trello unavailable")
)

type Client struct {
	key     string
	baseURL string
	http    *http.Client
}

func NewClient(cfg config.TrelloConfig) *Client {
	return &Client{
		key:     cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.CommentTimeout},
	}
}

// Member returns the username the token belongs to.
func (c *Client) Member(ctx context.Context, token string) (string, error) {
	var member struct {
		Username string `json:"username"`
	}
	params := url.Values{"key": {c.key}, "token": {token}, "fields": {"username"}}
	if err := c.call(ctx, http.MethodGet, "/1/members/me", params, &member); err != nil {
		return "", err
	}
	return member.Username, nil
}

// CheckCard verifies the token can see the card.
func (c *Client) CheckCard(ctx context.Context, token, card string) error {
	params := url.Values{"key": {c.key}, "token": {token}, "fields": {"shortLink"}}
	return c.call(ctx, http.MethodGet, "/1/cards/"+card, params, nil)
}

// PostComment creates a comment with the given text on the card.
func (c *Client) PostComment(ctx context.Context, token, card, text string) error {
	params := url.Values{"key": {c.key}, "token": {token}, "text": {text}}
	return c.call(ctx, http.MethodPost, "/1/cards/"+card+"/actions/comments", params, nil)
}

func (c *Client) call(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s returned %q", ErrTokenRejected, path, string(b))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
