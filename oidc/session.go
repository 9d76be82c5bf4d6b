package oidc

import (
	"context"
	"strings"
	"time"
)

// setupSessionCheck (re)arms the session-check machinery: every received
// token restarts the check frame against the freshly stored session_state.
func (e *Engine) setupSessionCheck() {
	e.stopSessionCheckSetup()
	events, cancel := e.bus.subscribe()
	e.mu.Lock()
	e.sessionSetupStop = cancel
	e.mu.Unlock()
	go func() {
		for ev := range events {
			if _, ok := ev.(*SuccessEvent); ok && ev.Type() == EventTokenReceived {
				e.initSessionCheck()
			}
		}
	}()
}

func (e *Engine) stopSessionCheckSetup() {
	e.mu.Lock()
	stop := e.sessionSetupStop
	e.sessionSetupStop = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (e *Engine) restartSessionChecksIfStillLoggedIn() {
	if e.HasValidIdToken() {
		e.initSessionCheck()
	}
}

func (e *Engine) canPerformSessionCheck() bool {
	e.mu.Lock()
	enabled := e.cfg.SessionChecksEnabled
	frameUrl := e.cfg.SessionCheckIFrameUrl
	e.mu.Unlock()
	if !enabled {
		return false
	}
	if frameUrl == "" {
		e.logger.Warn("sessionChecksEnabled is activated but there is no sessionCheckIFrameUrl")
		return false
	}
	if e.GetSessionState() == "" {
		e.logger.Warn("sessionChecksEnabled is activated but there is no session_state")
		return false
	}
	return e.platform != nil
}

// initSessionCheck creates the hidden check-session frame and starts the
// polling timer. An existing frame is replaced.
func (e *Engine) initSessionCheck() {
	if !e.canPerformSessionCheck() {
		return
	}
	e.mu.Lock()
	frameName := e.cfg.SessionCheckIFrameName
	frameUrl := e.cfg.SessionCheckIFrameUrl
	e.mu.Unlock()

	e.teardownSessionFrame()
	frame, err := e.platform.CreateFrame(frameName, frameUrl, true)
	if err != nil {
		e.logger.Error("unable to create session check frame", "error", err)
		return
	}
	e.mu.Lock()
	e.sessionFrame = frame
	e.mu.Unlock()

	go e.listenToSessionFrame(frame)
	e.startSessionCheckTimer()
}

// listenToSessionFrame dispatches the frame's replies. Messages from an
// origin the issuer does not live under are dropped.
func (e *Engine) listenToSessionFrame(frame Frame) {
	for msg := range frame.Messages() {
		e.mu.Lock()
		issuer := strings.ToLower(e.cfg.Issuer)
		e.mu.Unlock()
		origin := strings.ToLower(msg.Origin)
		e.debug("session check message received")
		if !strings.HasPrefix(issuer, origin) {
			e.debug("session check message from wrong origin", "origin", origin, "expected", issuer)
			continue
		}
		switch msg.Data {
		case "unchanged":
			e.handleSessionUnchanged()
		case "changed":
			e.handleSessionChange()
		case "error":
			e.handleSessionError()
		}
	}
}

func (e *Engine) handleSessionUnchanged() {
	e.debug("session check", "result", "session unchanged")
	e.publish(&InfoEvent{EventType: EventSessionUnchanged})
}

// handleSessionChange reacts to the IdP reporting a changed session: try to
// refresh; when refreshing is not possible or fails, the session is over.
func (e *Engine) handleSessionChange() {
	e.publish(&InfoEvent{EventType: EventSessionChanged})
	e.stopSessionCheckTimer()

	e.mu.Lock()
	useSilentRefresh := e.cfg.UseSilentRefresh
	responseType := e.cfg.ResponseType
	silentRefreshRedirectUri := e.cfg.SilentRefreshRedirectUri
	e.mu.Unlock()

	switch {
	case !useSilentRefresh && responseType == ResponseTypeCode:
		go func() {
			if _, err := e.RefreshToken(context.Background()); err != nil {
				e.debug("token refresh did not work after session changed")
				e.publish(&InfoEvent{EventType: EventSessionTerminated})
				if lerr := e.LogOut(WithNoRedirectToLogoutUrl()); lerr != nil {
					e.logger.Error("error logging out after session change", "error", lerr)
				}
				return
			}
			e.debug("token refresh after session change worked")
		}()
	case silentRefreshRedirectUri != "":
		e.waitForSilentRefreshAfterSessionChange()
		go func() {
			if _, err := e.SilentRefresh(context.Background(), nil, true); err != nil {
				e.debug("silent refresh failed after session changed")
			}
		}()
	default:
		e.publish(&InfoEvent{EventType: EventSessionTerminated})
		if err := e.LogOut(WithNoRedirectToLogoutUrl()); err != nil {
			e.logger.Error("error logging out after session change", "error", err)
		}
	}
}

// waitForSilentRefreshAfterSessionChange watches the outcome of the silent
// refresh triggered by a session change and ends the session when it did
// not succeed.
func (e *Engine) waitForSilentRefreshAfterSessionChange() {
	events, cancel := e.bus.subscribe()
	go func() {
		defer cancel()
		for ev := range events {
			switch ev.Type() {
			case EventSilentlyRefreshed:
				return
			case EventSilentRefreshTimeout, EventSilentRefreshError:
				e.debug("silent refresh did not work after session changed")
				e.publish(&InfoEvent{EventType: EventSessionTerminated})
				if err := e.LogOut(WithNoRedirectToLogoutUrl()); err != nil {
					e.logger.Error("error logging out after session change", "error", err)
				}
				return
			}
		}
	}()
}

func (e *Engine) handleSessionError() {
	e.stopSessionCheckTimer()
	e.publish(&InfoEvent{EventType: EventSessionError})
}

func (e *Engine) startSessionCheckTimer() {
	e.stopSessionCheckTimer()
	e.mu.Lock()
	interval := e.cfg.SessionCheckInterval
	e.mu.Unlock()
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	e.mu.Lock()
	e.sessionTickerStop = func() {
		ticker.Stop()
		close(done)
	}
	e.mu.Unlock()
	go func() {
		for {
			select {
			case <-ticker.C:
				e.checkSession()
			case <-done:
				return
			}
		}
	}()
}

func (e *Engine) stopSessionCheckTimer() {
	e.mu.Lock()
	stop := e.sessionTickerStop
	e.sessionTickerStop = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// checkSession posts "<client_id> <session_state>" into the check-session
// frame; the frame answers through its message channel.
func (e *Engine) checkSession() {
	e.mu.Lock()
	frame := e.sessionFrame
	frameName := e.cfg.SessionCheckIFrameName
	clientId := e.cfg.ClientId
	issuer := e.cfg.Issuer
	e.mu.Unlock()
	if frame == nil {
		e.logger.Warn("checkSession did not find iframe", "name", frameName)
		return
	}
	sessionState := e.GetSessionState()
	if sessionState == "" {
		e.stopSessionCheckTimer()
		return
	}
	message := clientId + " " + sessionState
	if err := frame.PostMessage(message, issuer); err != nil {
		e.logger.Error("error posting session check message", "error", err)
	}
}

func (e *Engine) teardownSessionFrame() {
	e.mu.Lock()
	frame := e.sessionFrame
	e.sessionFrame = nil
	e.mu.Unlock()
	if frame != nil {
		frame.Close()
	}
}
