package oidc

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// calcTimeout computes the delay until the token_expires signal for a token
// stored at storedAt and expiring at expiration (both epoch ms): the
// timeout factor applied to the token's life span, minus what has already
// passed.
func (e *Engine) calcTimeout(storedAt, expiration int64) time.Duration {
	e.mu.Lock()
	factor := e.cfg.TimeoutFactor
	e.mu.Unlock()
	now := nowMs(e.clock)
	delta := float64(expiration-storedAt)*factor - float64(now-storedAt)
	if delta < 0 {
		delta = 0
	}
	return time.Duration(delta) * time.Millisecond
}

// setupRefreshTimer arms the expiration timers for tokens already in
// storage and re-arms them on every future token_received.
func (e *Engine) setupRefreshTimer() {
	if e.platform == nil {
		e.debug("timer not supported on this platform")
		return
	}
	if e.HasValidIdToken() || e.HasValidAccessToken() {
		e.clearAccessTokenTimer()
		e.clearIdTokenTimer()
		e.setupExpirationTimers()
	}
	e.stopTokenReceivedSubscription()
	events, cancel := e.bus.subscribe()
	e.mu.Lock()
	e.tokenReceivedStop = cancel
	e.mu.Unlock()
	go func() {
		for ev := range events {
			if _, ok := ev.(*SuccessEvent); ok && ev.Type() == EventTokenReceived {
				e.clearAccessTokenTimer()
				e.clearIdTokenTimer()
				e.setupExpirationTimers()
			}
		}
	}()
}

func (e *Engine) restartRefreshTimerIfStillLoggedIn() {
	e.setupExpirationTimers()
}

func (e *Engine) setupExpirationTimers() {
	if e.HasValidAccessToken() {
		e.setupAccessTokenTimer()
	}
	if e.HasValidIdToken() {
		e.setupIdTokenTimer()
	}
}

func (e *Engine) setupAccessTokenTimer() {
	timeout := e.calcTimeout(e.getAccessTokenStoredAt(), e.GetAccessTokenExpiration())
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.accessTokenTimer != nil {
		e.accessTokenTimer.Stop()
	}
	e.accessTokenTimer = time.AfterFunc(timeout, func() {
		e.publish(&InfoEvent{EventType: EventTokenExpires, Info: "access_token"})
	})
}

func (e *Engine) setupIdTokenTimer() {
	timeout := e.calcTimeout(e.getIdTokenStoredAt(), e.GetIdTokenExpiration())
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.idTokenTimer != nil {
		e.idTokenTimer.Stop()
	}
	e.idTokenTimer = time.AfterFunc(timeout, func() {
		e.publish(&InfoEvent{EventType: EventTokenExpires, Info: "id_token"})
	})
}

func (e *Engine) clearAccessTokenTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.accessTokenTimer != nil {
		e.accessTokenTimer.Stop()
		e.accessTokenTimer = nil
	}
}

func (e *Engine) clearIdTokenTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.idTokenTimer != nil {
		e.idTokenTimer.Stop()
		e.idTokenTimer = nil
	}
}

func (e *Engine) stopTokenReceivedSubscription() {
	e.mu.Lock()
	stop := e.tokenReceivedStop
	e.tokenReceivedStop = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (e *Engine) clearAutomaticRefreshTimer() {
	e.mu.Lock()
	stop := e.autoRefreshStop
	e.autoRefreshStop = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// StopAutomaticRefresh ends a previously set up automatic refresh.
func (e *Engine) StopAutomaticRefresh() {
	e.clearAutomaticRefreshTimer()
}

// SetupAutomaticSilentRefresh refreshes the tokens shortly before they
// expire. Refreshing is gated: a logout pauses it, a received token
// resumes it. listenTo restricts the trigger to "access_token" or
// "id_token" expiry; "" or "any" reacts to both. Bursts of expiry signals
// are debounced for one second.
func (e *Engine) SetupAutomaticSilentRefresh(params map[string]string, listenTo string, noPrompt bool) {
	e.clearAutomaticRefreshTimer()
	events, cancel := e.bus.subscribe()
	e.mu.Lock()
	e.autoRefreshStop = cancel
	e.mu.Unlock()
	go func() {
		shouldRefresh := true
		var debounce *time.Timer
		fire := make(chan struct{}, 1)
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Type() {
				case EventTokenReceived:
					shouldRefresh = true
				case EventLogout:
					shouldRefresh = false
				case EventTokenExpires:
					info, _ := ev.(*InfoEvent)
					if info == nil {
						continue
					}
					if listenTo != "" && listenTo != "any" && info.Info != listenTo {
						continue
					}
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(time.Second, func() {
						select {
						case fire <- struct{}{}:
						default:
						}
					})
				}
			case <-fire:
				if shouldRefresh {
					if err := e.refreshInternal(context.Background(), params, noPrompt); err != nil {
						e.debug("automatic silent refresh did not work")
					}
				}
			}
		}
	}()
	e.restartRefreshTimerIfStillLoggedIn()
}

// refreshInternal picks the refresh mechanism: the refresh_token grant for
// the code flow, the hidden-frame silent refresh otherwise.
func (e *Engine) refreshInternal(ctx context.Context, params map[string]string, noPrompt bool) error {
	e.mu.Lock()
	useSilentRefresh := e.cfg.UseSilentRefresh
	responseType := e.cfg.ResponseType
	e.mu.Unlock()
	if !useSilentRefresh && responseType == ResponseTypeCode {
		_, err := e.RefreshToken(ctx)
		return err
	}
	_, err := e.SilentRefresh(ctx, params, noPrompt)
	return err
}

// processMessageEventMessage extracts the response fragment out of a
// posted message: the payload must start with "#" plus the configured
// message prefix; the remainder is the fragment.
func (e *Engine) processMessageEventMessage(data string) string {
	e.mu.Lock()
	prefix := e.cfg.SilentRefreshMessagePrefix
	e.mu.Unlock()
	expectedPrefix := "#" + prefix
	if data == "" || !strings.HasPrefix(data, expectedPrefix) {
		return ""
	}
	return "#" + data[len(expectedPrefix):]
}

// SilentRefresh renews the tokens through a hidden frame running the
// authorization request with prompt=none. It resolves with the first of:
// a received token (success), any published error event (wrapped as
// "silent_refresh_error") or the configured timeout
// ("silent_refresh_timeout").
func (e *Engine) SilentRefresh(ctx context.Context, params map[string]string, noPrompt bool) (Event, error) {
	const op = "Engine.SilentRefresh"
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	requestParams := map[string]string{}
	for key, value := range params {
		requestParams[key] = value
	}
	claims := e.GetIdentityClaims()
	if cfg.UseIdTokenHintForSilentRefresh && e.HasValidIdToken() {
		requestParams["id_token_hint"] = e.GetIdToken()
	}
	if !e.ValidateUrlForHttps(cfg.LoginUrl) {
		return nil, fmt.Errorf("%s: loginUrl must use HTTPS (with TLS), or config value for property requireHttps must allow HTTP (without TLS): %w", op, ErrFatalConfig)
	}
	if e.platform == nil {
		return nil, fmt.Errorf("%s: silent refresh is not supported on this platform: %w", op, ErrNoPlatform)
	}

	sub, _ := claims["sub"].(string)
	e.mu.Lock()
	e.silentRefreshSubject = sub
	e.mu.Unlock()

	redirectUri := cfg.SilentRefreshRedirectUri
	if redirectUri == "" {
		redirectUri = cfg.RedirectUri
	}
	uri, err := e.CreateLoginURL(ctx, "", "", redirectUri, noPrompt, requestParams)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	events, cancel := e.bus.subscribe()
	defer cancel()

	e.teardownSilentFrame()
	frame, err := e.platform.CreateFrame(cfg.SilentRefreshIFrameName, uri, !cfg.SilentRefreshShowIFrame)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create silent refresh frame: %w", op, err)
	}
	e.mu.Lock()
	e.silentFrame = frame
	e.mu.Unlock()

	// Relay the frame's response fragment into the login machinery; the
	// outcome arrives back through the event bus.
	go func() {
		for msg := range frame.Messages() {
			fragment := e.processMessageEventMessage(msg.Data)
			if fragment == "" {
				continue
			}
			if _, err := e.TryLogin(context.Background(), &LoginOptions{
				CustomHashFragment:         fragment,
				PreventClearHashAfterLogin: true,
				CustomRedirectUri:          redirectUri,
			}); err != nil {
				e.debug("tryLogin during silent refresh failed", "error", err)
			}
		}
	}()

	timeout := time.NewTimer(cfg.SilentRefreshTimeout)
	defer timeout.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("%s: %w", op, ErrLoginFailed)
			}
			if errEvent, isErr := ev.(*ErrorEvent); isErr {
				wrapped := &ErrorEvent{EventType: EventSilentRefreshError, Reason: errEvent}
				e.publish(wrapped)
				return nil, fmt.Errorf("%s: %w", op, wrapped)
			}
			if ev.Type() == EventTokenReceived {
				success := &SuccessEvent{EventType: EventSilentlyRefreshed}
				e.publish(success)
				return success, nil
			}
		case <-timeout.C:
			timedOut := &ErrorEvent{EventType: EventSilentRefreshTimeout}
			e.publish(timedOut)
			return nil, fmt.Errorf("%s: %w", op, timedOut)
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
}

func (e *Engine) teardownSilentFrame() {
	e.mu.Lock()
	frame := e.silentFrame
	e.silentFrame = nil
	e.mu.Unlock()
	if frame != nil {
		frame.Close()
	}
}

// InitLoginFlowInPopup runs a login in a popup window instead of a
// full-page redirect. The response is delivered back either by a posted
// message from the popup or, as a cross-tab fallback, through a storage
// write under the "auth_hash" key.
func (e *Engine) InitLoginFlowInPopup(ctx context.Context) (bool, error) {
	const op = "Engine.InitLoginFlowInPopup"
	if e.platform == nil {
		return false, fmt.Errorf("%s: %w", op, ErrNoPlatform)
	}
	e.mu.Lock()
	popupRedirectUri := e.cfg.SilentRefreshRedirectUri
	e.mu.Unlock()

	uri, err := e.CreateLoginURL(ctx, "", "", popupRedirectUri, false, map[string]string{"display": "popup"})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	popup, err := e.platform.OpenPopup(uri)
	if err != nil || popup == nil {
		blocked := &ErrorEvent{EventType: EventPopupBlocked, Reason: err}
		e.publish(blocked)
		return false, fmt.Errorf("%s: %w", op, blocked)
	}
	defer popup.Close()

	completeLogin := func(fragment string) (bool, error) {
		ok, err := e.TryLogin(ctx, &LoginOptions{
			CustomHashFragment:         fragment,
			PreventClearHashAfterLogin: true,
			CustomRedirectUri:          popupRedirectUri,
		})
		if err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
		return ok, nil
	}

	storageEvents := e.platform.StorageEvents()
	for {
		select {
		case msg, ok := <-popup.Messages():
			if !ok {
				closed := &ErrorEvent{EventType: EventPopupClosed}
				e.publish(closed)
				return false, fmt.Errorf("%s: %w", op, closed)
			}
			fragment := e.processMessageEventMessage(msg.Data)
			if fragment == "" {
				e.debug("ignoring unrelated message during popup login")
				continue
			}
			return completeLogin(fragment)
		case se, ok := <-storageEvents:
			if !ok {
				storageEvents = nil
				continue
			}
			if se.Key != "auth_hash" {
				continue
			}
			return completeLogin(se.NewValue)
		case <-popup.Closed():
			closed := &ErrorEvent{EventType: EventPopupClosed}
			e.publish(closed)
			return false, fmt.Errorf("%s: %w", op, closed)
		case <-ctx.Done():
			return false, fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
}
