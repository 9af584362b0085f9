// Package casefile provides a client for the external case-management
// system's GraphQL API: reading cases and pushing annotations, decisions and
// returns to instruction.
package casefile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/modules/dossier"
)

const defaultBaseURL = "https://www.demarches-simplifiees.fr/api/v2/graphql"

// Config configures the client.
type Config struct {
	BaseURL       string
	Token         string
	InstructeurID string
	// RatePerSecond limits outgoing requests; zero disables limiting
	RatePerSecond float64
	Retry         RetryConfig
	Labels        Labels
}

// Client is the case-system API client. It is safe for concurrent use.
type Client struct {
	baseURL       string
	token         string
	instructeurID string
	httpClient    *http.Client
	limiter       *rate.Limiter
	retry         RetryConfig
	labels        Labels
	log           zerolog.Logger

	mu   sync.RWMutex
	refs map[int64]*caseRef
}

// NewClient creates a new case-system client. Zero config fields take defaults.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	defaults := DefaultRetryConfig()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Retry.AttemptTimeout <= 0 {
		cfg.Retry.AttemptTimeout = defaults.AttemptTimeout
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.Labels.RequestedInstruments == "" {
		cfg.Labels = DefaultLabels()
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &Client{
		baseURL:       cfg.BaseURL,
		token:         cfg.Token,
		instructeurID: cfg.InstructeurID,
		httpClient:    &http.Client{},
		limiter:       rate.NewLimiter(limit, 1),
		retry:         cfg.Retry,
		labels:        cfg.Labels,
		log:           log.With().Str("client", "casefile").Logger(),
		refs:          make(map[int64]*caseRef),
	}
}

const champFields = `__typename id label stringValue
	... on CheckboxChamp { checked }
	... on DateChamp { date }
	... on DecimalNumberChamp { decimalNumber }
	... on IntegerNumberChamp { integerNumber }
	... on MultipleDropDownListChamp { values }
	... on LinkedDropDownListChamp { primaryValue secondaryValue }
	... on AddressChamp { address { label postalCode cityName cityCode departmentCode regionCode } }`

const getDossierQuery = `query getDossier($number: Int!) {
	dossier(number: $number) {
		id number state dateDepot datePassageEnInstruction dateTraitement
		champs { ` + champFields + ` }
		annotations { ` + champFields + ` }
	}
}`

// FetchDossier reads a case and maps it to a snapshot. A case the API does not
// know yields domain.ErrNotFound.
func (c *Client) FetchDossier(ctx context.Context, number int64) (*dossier.Dossier, error) {
	var data gjson.Result
	err := c.withRetry(ctx, "fetch_dossier", number, func(ctx context.Context) error {
		var err error
		data, err = c.doRequest(ctx, getDossierQuery, map[string]interface{}{"number": number})
		return err
	})
	if err != nil {
		return nil, err
	}

	node := data.Get("dossier")
	if !node.Exists() || node.Type == gjson.Null {
		return nil, fmt.Errorf("dossier %d: %w", number, domain.ErrNotFound)
	}

	d, ref, err := mapDossier(node, c.labels, c.log)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.refs[number] = ref
	c.mu.Unlock()

	c.log.Debug().
		Int64("dossier_number", number).
		Str("state", string(d.Status)).
		Int("requested", len(d.RequestedInstruments)).
		Msg("Fetched dossier")
	return d, nil
}

func (c *Client) ref(ctx context.Context, number int64) (*caseRef, error) {
	c.mu.RLock()
	ref, ok := c.refs[number]
	c.mu.RUnlock()
	if ok {
		return ref, nil
	}
	if _, err := c.FetchDossier(ctx, number); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refs[number], nil
}

const modifyDecimalMutation = `mutation modifyDecimal($input: DossierModifierAnnotationDecimalNumberInput!) {
	dossierModifierAnnotationDecimalNumber(input: $input) { annotation { id } errors { message } }
}`

// AnnotationUpdate holds the amounts pushed for one instrument. Null values
// are left untouched on the case.
type AnnotationUpdate struct {
	Assiette decimal.NullDecimal
	Awarded  decimal.NullDecimal
	Rate     decimal.NullDecimal
}

// UpdateAnnotations writes the assiette, awarded amount and rate of the
// instrument into the case's private annotations.
func (c *Client) UpdateAnnotations(ctx context.Context, number int64, instrument domain.Instrument, update AnnotationUpdate) error {
	ref, err := c.ref(ctx, number)
	if err != nil {
		return err
	}

	values := []struct {
		label  string
		amount decimal.NullDecimal
	}{
		{c.labels.Assiette[instrument], update.Assiette},
		{c.labels.Awarded[instrument], update.Awarded},
		{c.labels.Rate[instrument], update.Rate},
	}
	for _, v := range values {
		if !v.amount.Valid {
			continue
		}
		annotationID, ok := ref.annotations[v.label]
		if !ok {
			c.log.Warn().
				Int64("dossier_number", number).
				Str("label", v.label).
				Msg("Case has no annotation with this label, skipping update")
			continue
		}
		input := map[string]interface{}{
			"dossierId":     ref.id,
			"annotationId":  annotationID,
			"instructeurId": c.instructeurID,
			"value":         json.Number(v.amount.Decimal.String()),
		}
		err := c.withRetry(ctx, "update_annotations", number, func(ctx context.Context) error {
			data, err := c.doRequest(ctx, modifyDecimalMutation, map[string]interface{}{"input": input})
			if err != nil {
				return err
			}
			return payloadErrors(data.Get("dossierModifierAnnotationDecimalNumber"))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

var decisionMutations = map[domain.CaseStatus]string{
	domain.CaseGranted: "dossierAccepter",
	domain.CaseDenied:  "dossierRefuser",
	domain.CaseClosed:  "dossierClasserSansSuite",
}

// NotifyApplicant records the decision on the case, which notifies the
// applicant. A case already in that state is left alone. A filed case is moved
// under review first; a case holding a different decision is returned to
// instruction first.
func (c *Client) NotifyApplicant(ctx context.Context, number int64, decision domain.CaseStatus, motivation string) error {
	mutation, ok := decisionMutations[decision]
	if !ok {
		return &domain.InvalidCaseStateError{Status: string(decision)}
	}

	current, err := c.FetchDossier(ctx, number)
	if err != nil {
		return err
	}
	switch {
	case current.Status == decision:
		c.log.Debug().Int64("dossier_number", number).Str("state", string(decision)).Msg("Case already decided, skipping notification")
		return nil
	case current.Status == domain.CaseFiled:
		if err := c.mutate(ctx, "notify_applicant", number, "dossierPasserEnInstruction", nil); err != nil {
			return err
		}
	case current.Status.IsTerminal():
		if err := c.mutate(ctx, "notify_applicant", number, "dossierRepasserEnInstruction", nil); err != nil {
			return err
		}
	}

	err = c.mutate(ctx, "notify_applicant", number, mutation, map[string]interface{}{"motivation": motivation})
	if err != nil {
		return err
	}
	c.log.Info().Int64("dossier_number", number).Str("decision", string(decision)).Msg("Applicant notified")
	return nil
}

// RevertToInstruction moves a decided case back under review. A case that is
// not decided is left alone.
func (c *Client) RevertToInstruction(ctx context.Context, number int64) error {
	current, err := c.FetchDossier(ctx, number)
	if err != nil {
		return err
	}
	if !current.Status.IsTerminal() {
		return nil
	}
	if err := c.mutate(ctx, "revert_to_instruction", number, "dossierRepasserEnInstruction", nil); err != nil {
		return err
	}
	c.log.Info().Int64("dossier_number", number).Msg("Case returned to instruction")
	return nil
}

// mutate runs one of the instructor mutations that take a dossier and an
// instructor id. The mutation name doubles as the payload field, and its
// input type is the capitalised name suffixed with "Input".
func (c *Client) mutate(ctx context.Context, op string, number int64, mutation string, extra map[string]interface{}) error {
	ref, err := c.ref(ctx, number)
	if err != nil {
		return err
	}
	input := map[string]interface{}{
		"dossierId":     ref.id,
		"instructeurId": c.instructeurID,
	}
	for k, v := range extra {
		input[k] = v
	}
	query := fmt.Sprintf(`mutation %s($input: %s!) {
	%s(input: $input) { dossier { id state } errors { message } }
}`, mutation, strings.ToUpper(mutation[:1])+mutation[1:]+"Input", mutation)

	return c.withRetry(ctx, op, number, func(ctx context.Context) error {
		data, err := c.doRequest(ctx, query, map[string]interface{}{"input": input})
		if err != nil {
			return err
		}
		return payloadErrors(data.Get(mutation))
	})
}

// payloadErrors turns a response or mutation payload's errors array into a graphQLError.
func payloadErrors(payload gjson.Result) error {
	errs := payload.Get("errors").Array()
	if len(errs) == 0 {
		return nil
	}
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Get("message").String())
	}
	return &graphQLError{Messages: messages}
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// doRequest performs a single GraphQL exchange and returns the data node.
func (c *Client) doRequest(ctx context.Context, query string, variables map[string]interface{}) (gjson.Result, error) {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug().Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("Case system response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gjson.Result{}, &statusError{Code: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}
	if !gjson.ValidBytes(respBody) {
		return gjson.Result{}, fmt.Errorf("invalid JSON response")
	}

	parsed := gjson.ParseBytes(respBody)
	if err := payloadErrors(parsed); err != nil {
		return gjson.Result{}, err
	}
	return parsed.Get("data"), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
