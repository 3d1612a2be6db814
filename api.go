package triplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// APIClient communicates with the ride-share REST gateway. It works
// independently of any live hub connection: the chat history fallback and
// read receipts go through here, as does conversation resolution.
//
// Responses are requested gzip-encoded and decompressed here (transport
// auto-decompression is disabled); chat history payloads are the largest
// bodies this client sees.
type APIClient struct {
	baseURL    string
	token      TokenProvider
	httpClient *http.Client
}

// NewAPIClient creates a gateway client. The token provider is consulted
// per request, so a refreshed credential is always the one sent.
func NewAPIClient(baseURL string, token TokenProvider) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DisableCompression: true,
			},
		},
	}
}

// doJSON sends an authed request and decodes the JSON response into dest.
func (c *APIClient) doJSON(ctx context.Context, method, path string, reqBody any, dest any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept-Encoding", "gzip")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if strings.Contains(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("gunzip response: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(reader, 4096))
		return fmt.Errorf("gateway %s %s: %d %s", method, path, resp.StatusCode, string(b))
	}

	if dest != nil {
		if err := json.NewDecoder(reader).Decode(dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ChatMessages fetches the persisted message history for a booking. Used as
// the reconciliation fallback when the hub has not delivered history.
func (c *APIClient) ChatMessages(ctx context.Context, bookingID int64) ([]ChatRecord, error) {
	var records []ChatRecord
	path := "/chat/messages/" + strconv.FormatInt(bookingID, 10)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// MarkAsRead flags a single message as read on the server.
func (c *APIClient) MarkAsRead(ctx context.Context, messageID string) error {
	path := "/chat/mark-as-read/" + messageID
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// MyBookings lists the authenticated user's bookings.
func (c *APIClient) MyBookings(ctx context.Context) ([]Booking, error) {
	var bookings []Booking
	if err := c.doJSON(ctx, http.MethodGet, "/booking", nil, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

// TripBookings lists the bookings placed on one of the user's trips.
func (c *APIClient) TripBookings(ctx context.Context, tripID int64) ([]Booking, error) {
	var bookings []Booking
	path := "/booking/trip/" + strconv.FormatInt(tripID, 10)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

// MyTrips lists the trips the authenticated user has published.
func (c *APIClient) MyTrips(ctx context.Context) ([]Trip, error) {
	var trips []Trip
	if err := c.doJSON(ctx, http.MethodGet, "/api/trip/my-trips", nil, &trips); err != nil {
		return nil, err
	}
	return trips, nil
}

// Trip fetches one trip record.
func (c *APIClient) Trip(ctx context.Context, tripID int64) (*Trip, error) {
	var trip Trip
	path := "/api/trip/" + strconv.FormatInt(tripID, 10)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &trip); err != nil {
		return nil, err
	}
	return &trip, nil
}

// User fetches one user profile.
func (c *APIClient) User(ctx context.Context, userID string) (*UserProfile, error) {
	var profile UserProfile
	if err := c.doJSON(ctx, http.MethodGet, "/user/"+userID, nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}
