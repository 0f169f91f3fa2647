package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	DefaultRefreshInterval = time.Hour
	DefaultRefreshTimeout  = 10 * time.Second
)

// Options to initialize a Validator.
type Options struct {
	// KeySetURL is the JWKS endpoint holding the current signing
	// keys.
	KeySetURL string

	// RefreshInterval is the TTL of the cached key set. Defaults
	// to DefaultRefreshInterval.
	RefreshInterval time.Duration

	// RefreshTimeout bounds a single key set fetch. Defaults to
	// DefaultRefreshTimeout.
	RefreshTimeout time.Duration

	// Issuer, when set, must equal the token's iss claim.
	Issuer string

	// SubscriptionClaim names the claim carrying the caller's
	// subscription key. Defaults to "sub".
	SubscriptionClaim string

	// Client used for key set requests. Defaults to
	// http.DefaultClient.
	Client *http.Client
}

// Validator verifies bearer tokens against the cached key set and
// evaluates claim rules.
type Validator struct {
	opts    Options
	keyFunc jwt.Keyfunc
	jwks    *keyfunc.JWKS
}

// NewValidator creates a Validator and performs the initial key set
// fetch results, retried with exponential backoff until ctx is done.
// Subsequent refreshes happen in the background on the configured
// interval.
func NewValidator(ctx context.Context, o Options) (*Validator, error) {
	if o.RefreshInterval == 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.RefreshTimeout == 0 {
		o.RefreshTimeout = DefaultRefreshTimeout
	}

	jwks, err := backoff.Retry(ctx, func() (*keyfunc.JWKS, error) {
		return keyfunc.Get(o.KeySetURL, keyfunc.Options{
			Ctx:               ctx,
			Client:            o.Client,
			RefreshInterval:   o.RefreshInterval,
			RefreshTimeout:    o.RefreshTimeout,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				log.Errorf("key set refresh failed, keeping cached keys: %v", err)
			},
		})
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		return nil, fmt.Errorf("fetching key set %s: %w", o.KeySetURL, err)
	}

	return &Validator{opts: o, keyFunc: jwks.Keyfunc, jwks: jwks}, nil
}

// NewValidatorWithKeyfunc creates a Validator over a fixed key
// function, for tests and static key deployments.
func NewValidatorWithKeyfunc(kf jwt.Keyfunc, o Options) *Validator {
	return &Validator{opts: o, keyFunc: kf}
}

// Close stops the background key set refresh.
func (v *Validator) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// Validate verifies the token's signature, expiry and issuer, and
// checks every required claim rule. The returned error is always an
// *Error for failed validations.
func (v *Validator) Validate(token string, rules []ClaimRule) (*Identity, error) {
	if token == "" {
		return nil, errKind(MissingToken, nil)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, v.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errKind(Expired, err)
		}
		return nil, errKind(InvalidSignature, err)
	}

	if v.opts.Issuer != "" {
		if iss, _ := claims["iss"].(string); iss != v.opts.Issuer {
			return nil, errKind(ClaimMismatch, fmt.Errorf("unexpected issuer %q", iss))
		}
	}

	payload, err := json.Marshal(map[string]interface{}(claims))
	if err != nil {
		return nil, errKind(InvalidSignature, err)
	}

	for _, rule := range rules {
		if err := checkClaim(payload, rule); err != nil {
			return nil, err
		}
	}

	sub, _ := claims["sub"].(string)

	subscriptionClaim := v.opts.SubscriptionClaim
	if subscriptionClaim == "" {
		subscriptionClaim = "sub"
	}
	subscription := gjson.GetBytes(payload, subscriptionClaim).String()
	if subscription == "" {
		subscription = sub
	}

	return &Identity{
		Subject:         sub,
		Claims:          claims,
		SubscriptionKey: subscription,
	}, nil
}

func claimValues(r gjson.Result) []string {
	if r.IsArray() {
		vs := r.Array()
		values := make([]string, 0, len(vs))
		for _, v := range vs {
			values = append(values, v.String())
		}
		return values
	}

	return []string{r.String()}
}

func checkClaim(payload []byte, rule ClaimRule) error {
	r := gjson.GetBytes(payload, rule.Name)
	if !r.Exists() {
		return errKind(ClaimMismatch, fmt.Errorf("missing claim %q", rule.Name))
	}

	if len(rule.Values) == 0 {
		return nil
	}

	have := make(map[string]bool)
	for _, v := range claimValues(r) {
		have[v] = true
	}

	var matched int
	for _, want := range rule.Values {
		if have[want] {
			matched++
		}
	}

	switch rule.Match {
	case MatchAny:
		if matched == 0 {
			return errKind(ClaimMismatch, fmt.Errorf("claim %q matches none of the required values", rule.Name))
		}
	default:
		if matched < len(rule.Values) {
			return errKind(ClaimMismatch, fmt.Errorf("claim %q does not match all required values", rule.Name))
		}
	}

	return nil
}
