/*
Copyright 2024 Leadline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package driver

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/leadline-hq/leadline/config"
	"github.com/leadline-hq/leadline/internal/request"
	"github.com/leadline-hq/leadline/model"
	"github.com/sirupsen/logrus"
)

// clickStrategies are tried in order until one lands. The scripted click is
// the last resort for buttons behind overlay elements.
var clickStrategies = []string{"normal", "forced", "scripted"}

const selectorRetries = 3

// BridgeDriver talks to the browser-automation sidecar over HTTP. The sidecar
// owns the actual browser; this driver walks it through the per-lead action
// machine one step at a time so each stage boundary is observable.
type BridgeDriver struct {
	baseURL  string
	timeout  time.Duration
	minDelay time.Duration
	maxDelay time.Duration
}

func NewBridgeDriver(cfg config.DriverConfig) *BridgeDriver {
	return &BridgeDriver{
		baseURL:  cfg.BridgeURL,
		timeout:  time.Duration(cfg.BridgeTimeoutMs) * time.Millisecond,
		minDelay: time.Duration(cfg.MinLeadDelayMs) * time.Millisecond,
		maxDelay: time.Duration(cfg.MaxLeadDelayMs) * time.Millisecond,
	}
}

type bridgeSessionResponse struct {
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason"`
	SessionID string `json:"session_id"`
}

// ValidateSession hands the stored cookie and storage blobs to the sidecar,
// which restores them into a fresh browser context. An unusable bundle comes
// back as SessionInvalidError; the caller decides what that means for the
// account.
func (d *BridgeDriver) ValidateSession(ctx context.Context, session *model.AccountSession) (Session, error) {
	payload, err := request.ToJsonReq(map[string]interface{}{
		"account_id":      session.AccountID,
		"cookies":         session.Cookies,
		"local_storage":   session.LocalStorage,
		"session_storage": session.SessionStorage,
	})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "POST", d.baseURL+"/v1/sessions", payload)
	if err != nil {
		return nil, err
	}

	var resp bridgeSessionResponse
	httpResp, err := request.Call(req, &resp)
	if err != nil {
		return nil, fmt.Errorf("bridge session create: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("bridge session create: status %d", httpResp.StatusCode)
	}
	if !resp.Valid {
		reason := resp.Reason
		if reason == "" {
			reason = ReasonSessionInvalid
		}
		return nil, SessionInvalidError{Reason: reason}
	}

	return &bridgeSession{
		driver:    d,
		sessionID: resp.SessionID,
	}, nil
}

// bridgeSession is one live browser context on the sidecar.
type bridgeSession struct {
	driver    *BridgeDriver
	sessionID string

	releaseOnce sync.Once
	processed   bool
}

type stepResponse struct {
	OK     bool   `json:"ok"`
	State  string `json:"state,omitempty"`
	Found  bool   `json:"found,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// step performs one sidecar action with the bridge timeout applied. Network
// and server failures come back as errors; the caller folds them into the
// outcome taxonomy.
func (s *bridgeSession) step(ctx context.Context, path string, body interface{}) (*stepResponse, error) {
	payload, err := request.ToJsonReq(body)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.driver.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1/sessions/%s/%s", s.driver.baseURL, s.sessionID, path)
	req, err := http.NewRequestWithContext(reqCtx, "POST", url, payload)
	if err != nil {
		return nil, err
	}

	var resp stepResponse
	httpResp, err := request.Call(req, &resp)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusGone {
		return nil, SessionInvalidError{Reason: ReasonSessionInvalid}
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("bridge step %s: status %d", path, httpResp.StatusCode)
	}
	return &resp, nil
}

// ProcessLead walks the action machine for one lead. Between leads it sleeps
// a random politeness interval so the traffic pattern stays human-shaped.
func (s *bridgeSession) ProcessLead(ctx context.Context, lead *model.Lead, note string, onStage StageFunc) Outcome {
	if s.processed {
		s.politenessSleep(ctx)
	}
	s.processed = true

	onStage(StageNavigating)
	resp, err := s.step(ctx, "navigate", map[string]string{"url": lead.ProfileURL})
	if out, stop := foldStepError(err, "navigation_failed"); stop {
		return out
	}
	if !resp.OK {
		return Outcome{Kind: TransientError, Reason: "navigation_failed"}
	}

	onStage(StageChecking)
	resp, err = s.step(ctx, "connection-state", map[string]string{"profile_url": lead.ProfileURL})
	if out, stop := foldStepError(err, "state_check_failed"); stop {
		return out
	}
	switch resp.State {
	case "pending":
		onStage(StageAlreadyPending)
		return Outcome{Kind: AlreadyPending}
	case "connected":
		onStage(StageAlreadyConnected)
		return Outcome{Kind: AlreadyConnected}
	}

	onStage(StageFindingButton)
	found := false
	for attempt := 0; attempt < selectorRetries; attempt++ {
		resp, err = s.step(ctx, "find-connect-button", nil)
		if out, stop := foldStepError(err, "button_lookup_failed"); stop {
			return out
		}
		if resp.Found {
			found = true
			break
		}
	}
	if !found {
		onStage(StageNoButton)
		return Outcome{Kind: NotConnectable, Reason: "no_connect_button"}
	}

	onStage(StageClicking)
	clicked := false
	for _, strategy := range clickStrategies {
		resp, err = s.step(ctx, "click", map[string]string{"strategy": strategy})
		if out, stop := foldStepError(err, "click_failed"); stop {
			return out
		}
		if resp.OK {
			clicked = true
			break
		}
		logrus.Debugf("driver: click strategy %s missed for lead %s", strategy, lead.LeadID)
	}
	if !clicked {
		return Outcome{Kind: TransientError, Reason: "click_failed"}
	}

	onStage(StageWaitingModal)
	resp, err = s.step(ctx, "wait-modal", nil)
	if out, stop := foldStepError(err, "modal_timeout"); stop {
		return out
	}
	if !resp.OK {
		return Outcome{Kind: TransientError, Reason: "modal_timeout"}
	}

	onStage(StageSending)
	resp, err = s.step(ctx, "send", map[string]string{"note": note})
	if out, stop := foldStepError(err, "send_failed"); stop {
		return out
	}
	if !resp.OK {
		return Outcome{Kind: TransientError, Reason: "send_failed"}
	}

	onStage(StageCompleted)
	return Outcome{Kind: Sent}
}

// Release tears down the sidecar browser context, including its temp profile
// directory. Idempotent through the once guard.
func (s *bridgeSession) Release(ctx context.Context) error {
	var err error
	s.releaseOnce.Do(func() {
		reqCtx, cancel := context.WithTimeout(ctx, s.driver.timeout)
		defer cancel()

		url := fmt.Sprintf("%s/v1/sessions/%s", s.driver.baseURL, s.sessionID)
		req, reqErr := http.NewRequestWithContext(reqCtx, "DELETE", url, nil)
		if reqErr != nil {
			err = reqErr
			return
		}
		var resp map[string]interface{}
		_, err = request.Call(req, &resp)
	})
	return err
}

func (s *bridgeSession) politenessSleep(ctx context.Context) {
	if s.driver.maxDelay <= 0 {
		return
	}
	delay := s.driver.minDelay
	if spread := s.driver.maxDelay - s.driver.minDelay; spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread)))
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// foldStepError maps a bridge error onto the outcome taxonomy: session loss
// is fatal, everything else (timeouts, network, 5xx) is transient.
func foldStepError(err error, transientReason string) (Outcome, bool) {
	if err == nil {
		return Outcome{}, false
	}
	if _, ok := err.(SessionInvalidError); ok {
		return Outcome{Kind: FatalError, Reason: ReasonSessionInvalid}, true
	}
	logrus.Debugf("driver: transient bridge failure: %v", err)
	return Outcome{Kind: TransientError, Reason: transientReason}, true
}
