package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
	"github.com/johnquangdev/discovery-sync/pkg/config"
	"github.com/johnquangdev/discovery-sync/pkg/jobcontext"
)

const (
	// DefaultMaxFieldLength keeps multi-line CRM fields under their 32000 char limit
	DefaultMaxFieldLength = 31000
	// MaxPerPage is the largest page the CRM list endpoint accepts
	MaxPerPage = 200

	truncationMarker = `..."TRUNCATED_BY_SIZE_LIMIT"}`
	truncationSlack  = 50
	lastUpdateLayout = "2006-01-02T15:04:05+00:00"
	successCode      = "SUCCESS"
	defaultName      = "Discovery Meeting"
)

var listFields = []string{
	"id",
	"Name",
	"Discovery_Status",
	"Discovery_Completion",
	"Discovery_Modules_Completed",
	"Discovery_Last_Update",
	"Discovery_Progress",
	"Current_Phase",
	"Modified_Time",
}

// Record is one CRM record as the discovery fields see it
type Record struct {
	ID                        string          `json:"id"`
	Name                      string          `json:"Name"`
	DiscoveryStatus           string          `json:"Discovery_Status,omitempty"`
	DiscoveryCompletion       string          `json:"Discovery_Completion,omitempty"`
	DiscoveryModulesCompleted int             `json:"Discovery_Modules_Completed,omitempty"`
	DiscoveryLastUpdate       string          `json:"Discovery_Last_Update,omitempty"`
	DiscoveryProgress         string          `json:"Discovery_Progress,omitempty"`
	CurrentPhase              string          `json:"Current_Phase,omitempty"`
	ModifiedTime              string          `json:"Modified_Time,omitempty"`
	Raw                       json.RawMessage `json:"-"`
}

// Meeting parses the snapshot stored in Discovery_Progress
func (r Record) Meeting() (*entities.Meeting, error) {
	if r.DiscoveryProgress == "" {
		return nil, nil
	}
	var m entities.Meeting
	if err := json.Unmarshal([]byte(r.DiscoveryProgress), &m); err != nil {
		return nil, fmt.Errorf("record %s holds an unreadable snapshot: %w", r.ID, err)
	}
	return &m, nil
}

// ListFilter narrows a record list query
type ListFilter struct {
	Phase   string
	Status  string
	Page    int
	PerPage int
}

// Params returns the filter as flat parameters, used as the list cache key
func (f ListFilter) Params() map[string]string {
	params := map[string]string{
		"phase":  f.Phase,
		"status": f.Status,
	}
	if f.Page > 0 {
		params["page"] = strconv.Itoa(f.Page)
	}
	if f.PerPage > 0 {
		params["per_page"] = strconv.Itoa(f.PerPage)
	}
	return params
}

// RecordList is one page of records
type RecordList struct {
	Records     []Record `json:"records"`
	Page        int      `json:"page"`
	PerPage     int      `json:"per_page"`
	Count       int      `json:"count"`
	MoreRecords bool     `json:"more_records"`
}

type apiResponse struct {
	Data []json.RawMessage `json:"data"`
	Info struct {
		Count       int  `json:"count"`
		Page        int  `json:"page"`
		PerPage     int  `json:"per_page"`
		MoreRecords bool `json:"more_records"`
	} `json:"info"`
}

type writeResult struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
	Details struct {
		ID string `json:"id"`
	} `json:"details"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client talks to the CRM REST API
type Client struct {
	baseURL        string
	module         string
	authScheme     string
	maxFieldLength int
	maxElapsed     time.Duration
	initialBackoff time.Duration
	httpClient     *http.Client
	now            func() time.Time
	logger         *zap.Logger

	tokenMu     sync.Mutex
	tokenSource oauth2.TokenSource
	newSource   func() oauth2.TokenSource
	refreshable bool
}

// NewClient builds a client. With a refresh token the access token is
// obtained and renewed through the OAuth token endpoint; otherwise the static
// access token is used as is.
func NewClient(cfg config.CRMConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxField := cfg.MaxFieldLength
	if maxField <= 0 {
		maxField = DefaultMaxFieldLength
	}
	maxElapsed := cfg.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 10 * time.Second
	}
	scheme := cfg.AuthScheme
	if scheme == "" {
		scheme = "Zoho-oauthtoken"
	}

	httpClient := &http.Client{Timeout: timeout}

	c := &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		module:         cfg.Module,
		authScheme:     scheme,
		maxFieldLength: maxField,
		maxElapsed:     maxElapsed,
		initialBackoff: 500 * time.Millisecond,
		httpClient:     httpClient,
		now:            time.Now,
		logger:         logger,
	}

	if cfg.RefreshToken != "" {
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		c.newSource = func() oauth2.TokenSource {
			return oauthCfg.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		}
		c.refreshable = true
	} else {
		static := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken})
		c.newSource = func() oauth2.TokenSource { return static }
	}
	c.tokenSource = c.newSource()

	return c
}

// Upsert writes the payload: PUT to an existing record or POST to create one.
// It returns the id of the written record.
func (c *Client) Upsert(ctx context.Context, recordID string, payload entities.SyncPayload) (string, error) {
	record, err := c.buildRecord(payload)
	if err != nil {
		return "", entities.NewPermanentSyncError(0, "ENCODE_FAILED", err)
	}
	body, err := json.Marshal(map[string]any{"data": []map[string]any{record}})
	if err != nil {
		return "", entities.NewPermanentSyncError(0, "ENCODE_FAILED", err)
	}

	method, endpoint := http.MethodPost, c.moduleURL()
	if recordID != "" {
		method, endpoint = http.MethodPut, c.moduleURL()+"/"+url.PathEscape(recordID)
	}

	var resp apiResponse
	if err := c.call(ctx, method, endpoint, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", entities.NewTransientSyncError(0, errors.New("crm returned an empty write response"))
	}

	var result writeResult
	if err := json.Unmarshal(resp.Data[0], &result); err != nil {
		return "", entities.NewTransientSyncError(0, fmt.Errorf("unreadable write response: %w", err))
	}
	if result.Code != successCode {
		return "", entities.NewPermanentSyncError(0, result.Code, fmt.Errorf("crm rejected write: %s", result.Message))
	}

	if result.Details.ID != "" {
		recordID = result.Details.ID
	}

	fields := append([]zap.Field{
		zap.String("method", method),
		zap.String("record_id", recordID),
		zap.String("meeting_id", payload.Meeting.MeetingID),
	}, taskFields(ctx)...)
	c.logger.Info("✅ CRM record written", fields...)
	return recordID, nil
}

// taskFields tags a log line with the queued retry a call runs for.
// Live syncs carry no task metadata and get no extra fields.
func taskFields(ctx context.Context) []zap.Field {
	if _, ok := jobcontext.GetTaskID(ctx); !ok {
		return nil
	}
	meta := jobcontext.GetTaskMetadata(ctx)
	fields := []zap.Field{
		zap.String("task_id", meta.TaskID.String()),
		zap.Int("attempt", meta.Attempt),
	}
	if !meta.StartTime.IsZero() {
		fields = append(fields, zap.Duration("task_elapsed", time.Since(meta.StartTime)))
	}
	return fields
}

// GetRecord fetches one record; a missing record yields entities.ErrRecordNotFound
func (c *Client) GetRecord(ctx context.Context, recordID string) (*Record, error) {
	var resp apiResponse
	err := c.call(ctx, http.MethodGet, c.moduleURL()+"/"+url.PathEscape(recordID), nil, &resp)
	if err != nil {
		var syncErr *entities.SyncError
		if errors.As(err, &syncErr) && syncErr.StatusCode == http.StatusNotFound {
			return nil, entities.ErrRecordNotFound
		}
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, entities.ErrRecordNotFound
	}
	return decodeRecord(resp.Data[0])
}

// ListRecords fetches one page of records, newest first
func (c *Client) ListRecords(ctx context.Context, filter ListFilter) (*RecordList, error) {
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage <= 0 || perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("sort_by", "Modified_Time")
	q.Set("sort_order", "desc")
	q.Set("fields", strings.Join(listFields, ","))

	var criteria []string
	if filter.Phase != "" {
		criteria = append(criteria, fmt.Sprintf("(Current_Phase:equals:%s)", filter.Phase))
	}
	if filter.Status != "" {
		criteria = append(criteria, fmt.Sprintf("(Discovery_Status:equals:%s)", filter.Status))
	}
	if len(criteria) > 0 {
		q.Set("criteria", strings.Join(criteria, "and"))
	}

	var resp apiResponse
	if err := c.call(ctx, http.MethodGet, c.moduleURL()+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	list := &RecordList{
		Records:     make([]Record, 0, len(resp.Data)),
		Page:        page,
		PerPage:     perPage,
		Count:       resp.Info.Count,
		MoreRecords: resp.Info.MoreRecords,
	}
	for _, raw := range resp.Data {
		rec, err := decodeRecord(raw)
		if err != nil {
			c.logger.Warn("⚠️ Skipping unreadable CRM record", zap.Error(err))
			continue
		}
		list.Records = append(list.Records, *rec)
	}
	if list.Count == 0 {
		list.Count = len(list.Records)
	}
	return list, nil
}

func (c *Client) buildRecord(payload entities.SyncPayload) (map[string]any, error) {
	if payload.Meeting == nil {
		return nil, errors.New("payload has no meeting")
	}
	snapshot, err := json.Marshal(payload.Meeting)
	if err != nil {
		return nil, fmt.Errorf("failed to encode meeting snapshot: %w", err)
	}

	name := payload.Meeting.ClientName
	if name == "" {
		name = defaultName
	}

	progress := TruncateField(string(snapshot), c.maxFieldLength)
	if len(progress) < len(snapshot) {
		c.logger.Warn("⚠️ Meeting snapshot truncated to fit CRM field",
			zap.String("meeting_id", payload.Meeting.MeetingID),
			zap.Int("size", len(snapshot)),
			zap.Int("limit", c.maxFieldLength),
		)
	}

	return map[string]any{
		"Name":                        name,
		"Discovery_Progress":          progress,
		"Discovery_Last_Update":       c.now().UTC().Format(lastUpdateLayout),
		"Discovery_Completion":        payload.DiscoveryCompletion,
		"Discovery_Status":            string(payload.DiscoveryStatus),
		"Discovery_Modules_Completed": payload.DiscoveryModulesCompleted,
	}, nil
}

// call performs one API request, retrying 429, 5xx and network failures with
// exponential backoff inside the call's context. A 401 renews the token once.
func (c *Client) call(ctx context.Context, method, endpoint string, body []byte, out any) error {
	renewed := false

	op := func() error {
		err := c.do(ctx, method, endpoint, body, out)
		if err == nil {
			return nil
		}

		var syncErr *entities.SyncError
		if errors.As(err, &syncErr) && syncErr.StatusCode == http.StatusUnauthorized && !renewed && c.canRenew() {
			renewed = true
			c.resetToken()
			c.logger.Info("🔑 CRM token rejected, renewing")
			return err
		}
		if entities.IsPermanentSyncError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxElapsedTime = c.maxElapsed

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err == nil {
		return nil
	}

	var syncErr *entities.SyncError
	if !errors.As(err, &syncErr) {
		// backoff returns the bare context error when the caller gives up
		return entities.NewTransientSyncError(0, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	token, err := c.token()
	if err != nil {
		return entities.NewPermanentSyncError(http.StatusUnauthorized, "TOKEN_REFRESH_FAILED", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return entities.NewPermanentSyncError(0, "BAD_REQUEST", err)
	}
	req.Header.Set("Authorization", c.authScheme+" "+token.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return entities.NewTransientSyncError(0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return entities.NewTransientSyncError(resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}

	if err := classifyStatus(resp.StatusCode, data); err != nil {
		return err
	}

	// 204 is how the CRM answers an empty list
	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return entities.NewTransientSyncError(resp.StatusCode, fmt.Errorf("unreadable response: %w", err))
	}
	return nil
}

// classifyStatus maps an HTTP status to nil, a transient or a permanent SyncError
func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	err := fmt.Errorf("crm returned status %d: %s", status, msg)

	if status == http.StatusTooManyRequests || status >= 500 {
		return entities.NewTransientSyncError(status, err)
	}
	return entities.NewPermanentSyncError(status, apiErr.Code, err)
}

// TruncateField cuts s to at most max bytes, ending with a marker so readers
// can tell the snapshot is incomplete. Cuts never split a UTF-8 sequence.
func TruncateField(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - truncationSlack
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

func decodeRecord(raw json.RawMessage) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unreadable record: %w", err)
	}
	rec.Raw = raw
	return &rec, nil
}

func (c *Client) moduleURL() string {
	return c.baseURL + "/" + url.PathEscape(c.module)
}

func (c *Client) token() (*oauth2.Token, error) {
	c.tokenMu.Lock()
	source := c.tokenSource
	c.tokenMu.Unlock()
	return source.Token()
}

func (c *Client) resetToken() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.tokenSource = c.newSource()
}

func (c *Client) canRenew() bool {
	return c.refreshable
}
