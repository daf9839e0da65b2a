// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/renewtv/renewd/internal/domain/operation/lifecycle"
	"github.com/renewtv/renewd/internal/domain/operation/model"
	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/metrics"
	"github.com/renewtv/renewd/internal/solver"
	"github.com/renewtv/renewd/internal/upstream"
)

// ensureSession makes the client carry a live portal session for the
// account: the client's own session first, then the shared cache, then
// a fresh login. Both reuse paths validate against the portal, because
// a cached session can outlive the portal's idea of it.
func (w *Worker) ensureSession(ctx context.Context, op *model.Operation, acct *model.Account, c upstream.Client) error {
	if c.IsSessionActive() {
		ok, err := c.ValidateSession(ctx)
		if err != nil {
			return fmt.Errorf("validate session: %w", err)
		}
		if ok {
			return nil
		}
		c.InvalidateSession()
	}

	s, err := w.sessions.Get(ctx, acct.ID)
	if err != nil {
		// A broken cache read is a miss, not a failure.
		w.log.Warn().Err(err).Str(logpkg.FieldAccountID, acct.ID).Msg("session cache read failed")
	} else if s != nil {
		if err := c.ImportSession(s); err == nil {
			ok, verr := c.ValidateSession(ctx)
			if verr != nil {
				return fmt.Errorf("validate restored session: %w", verr)
			}
			if ok {
				return nil
			}
			// The portal dropped it while the cache still had it.
			c.InvalidateSession()
			_ = w.sessions.Delete(ctx, acct.ID)
		}
	}

	return w.loginLocked(ctx, op, acct, c)
}

// loginLocked serializes logins per account across workers. Losing the
// race means waiting for the winner and reusing their session; if the
// winner produced nothing usable, log in anyway rather than wait a
// second round.
func (w *Worker) loginLocked(ctx context.Context, op *model.Operation, acct *model.Account, c upstream.Client) error {
	got, err := w.sessions.AcquireLoginLock(ctx, acct.ID, w.cfg.WorkerID)
	if err != nil {
		return err
	}
	if !got {
		if _, err := w.sessions.WaitForLoginComplete(ctx, acct.ID, w.cfg.LoginLockWait); err != nil {
			return err
		}
		if s, err := w.sessions.Get(ctx, acct.ID); err == nil && s != nil {
			if err := c.ImportSession(s); err == nil {
				if ok, verr := c.ValidateSession(ctx); verr == nil && ok {
					return nil
				}
				c.InvalidateSession()
			}
		}
		if got2, err := w.sessions.AcquireLoginLock(ctx, acct.ID, w.cfg.WorkerID); err == nil && got2 {
			got = true
		}
	}
	if got {
		defer w.releaseLoginLock(acct.ID)
	}
	return w.login(ctx, op, acct, c)
}

// releaseLoginLock frees the login lock on a fresh context so waiters
// unblock even when the job's context died mid-login.
func (w *Worker) releaseLoginLock(accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.sessions.ReleaseLoginLock(ctx, accountID, w.cfg.WorkerID); err != nil {
		w.log.Warn().Err(err).Str(logpkg.FieldAccountID, accountID).Msg("login lock release failed")
	}
}

// login runs the (possibly two-phase) portal login and publishes the
// resulting session to the shared cache. Each portal round-trip gets
// its own PreLoginTimeout so a hung login page fails the job instead
// of wedging the account lease.
func (w *Worker) login(ctx context.Context, op *model.Operation, acct *model.Account, c upstream.Client) error {
	lctx, cancel := context.WithTimeout(ctx, w.cfg.PreLoginTimeout)
	res, err := c.Login(lctx)
	cancel()
	if err != nil {
		return fmt.Errorf("login %s: %w", acct.ID, err)
	}
	if res.RequiresCaptcha {
		solution, serr := w.solveCaptcha(ctx, op, res.CaptchaImage)
		if serr != nil {
			return serr
		}
		sctx, scancel := context.WithTimeout(ctx, w.cfg.PreLoginTimeout)
		res, err = c.SubmitLogin(sctx, solution)
		scancel()
		if err != nil {
			return fmt.Errorf("submit login %s: %w", acct.ID, err)
		}
	}
	if !res.Success {
		return &upstream.PortalError{Sentinel: upstream.ErrLoginFailed, Operation: "login", Message: res.Message}
	}

	s, err := c.ExportSession()
	if err != nil {
		return fmt.Errorf("export session %s: %w", acct.ID, err)
	}
	if err := w.sessions.Put(ctx, acct.ID, s, w.cfg.SessionTTL); err != nil {
		// Not fatal: other workers will just log in themselves.
		w.log.Warn().Err(err).Str(logpkg.FieldAccountID, acct.ID).Msg("session cache write failed")
	}
	w.log.Info().Str(logpkg.FieldAccountID, acct.ID).Msg("portal login complete")
	return nil
}

// solveCaptcha resolves a login CAPTCHA: the external solver when one
// is configured, otherwise a manual pause on the operation. Flows with
// no operation to pause (mid-flow re-logins, keep-alive) fail instead.
func (w *Worker) solveCaptcha(ctx context.Context, op *model.Operation, image string) (string, error) {
	sol, err := w.solver.Solve(ctx, []byte(image))
	if err == nil {
		return sol, nil
	}
	if !errors.Is(err, solver.ErrNotConfigured) {
		return "", fmt.Errorf("captcha solver: %w", err)
	}
	if op == nil {
		return "", &upstream.PortalError{
			Sentinel:  upstream.ErrCaptchaRequired,
			Operation: "login",
			Message:   "captcha required and no solver configured",
		}
	}
	return w.awaitCaptchaSolution(ctx, op, image)
}

// awaitCaptchaSolution parks the operation with the challenge image
// and polls for a manually entered solution. The deadline boundary is
// inclusive: a solution present at exactly the deadline still counts.
func (w *Worker) awaitCaptchaSolution(ctx context.Context, op *model.Operation, image string) (string, error) {
	now := time.Now()
	_, err := w.store.UpdateOperation(ctx, op.ID, func(o *model.Operation) error {
		if o.Status == model.StatusCancelled {
			return ErrOperationCancelled
		}
		if _, derr := lifecycle.Dispatch(o, lifecycle.Event{Kind: lifecycle.EvCaptchaRequired}, now); derr != nil {
			return derr
		}
		o.CaptchaImage = image
		o.CaptchaSolution = ""
		stampHeartbeat(o, now)
		return nil
	})
	if err != nil {
		return "", err
	}
	w.log.Info().Str(logpkg.FieldOperationID, op.ID).Msg("paused for manual captcha")

	deadline := now.Add(w.cfg.CaptchaTimeout)
	t := time.NewTicker(captchaPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}

		cur, err := w.store.GetOperation(ctx, op.ID)
		if err != nil {
			return "", err
		}
		if cur == nil {
			return "", fmt.Errorf("%w: %s", errUnknownOperation, op.ID)
		}
		if cur.Status == model.StatusCancelled {
			metrics.CaptchaPauses.WithLabelValues("cancelled").Inc()
			return "", ErrOperationCancelled
		}
		if cur.CaptchaSolution != "" {
			sol := cur.CaptchaSolution
			resumeAt := time.Now()
			if _, err := w.store.UpdateOperation(ctx, op.ID, func(o *model.Operation) error {
				if o.Status == model.StatusCancelled {
					return ErrOperationCancelled
				}
				if o.Status == model.StatusAwaitingCaptcha {
					if _, derr := lifecycle.Dispatch(o, lifecycle.Event{Kind: lifecycle.EvCaptchaSolved}, resumeAt); derr != nil {
						return derr
					}
				}
				o.CaptchaImage = ""
				stampHeartbeat(o, resumeAt)
				return nil
			}); err != nil {
				return "", err
			}
			metrics.CaptchaPauses.WithLabelValues("solved").Inc()
			w.log.Info().Str(logpkg.FieldOperationID, op.ID).Msg("captcha solution received")
			return sol, nil
		}
		// Check the boundary only after reading, so a solution landing
		// at exactly the deadline is accepted.
		if time.Now().After(deadline) {
			metrics.CaptchaPauses.WithLabelValues("timeout").Inc()
			return "", ErrCaptchaTimeout
		}
	}
}

// withSessionRetry runs call once, and once more after a transparent
// re-login when the failure looks like session expiry. Anything else
// propagates unchanged.
func (w *Worker) withSessionRetry(ctx context.Context, acct *model.Account, c upstream.Client, call func(ctx context.Context) error) error {
	err := call(ctx)
	if err == nil || !upstream.IsSessionExpired(err) {
		return err
	}

	metrics.SessionRetries.Inc()
	w.log.Info().Str(logpkg.FieldAccountID, acct.ID).Msg("session expired mid-flow, re-logging in")
	if rerr := w.relogin(ctx, acct, c); rerr != nil {
		return fmt.Errorf("re-login after session expiry: %w", rerr)
	}
	return call(ctx)
}

// relogin rebuilds a session after mid-flow expiry: drop the shared
// copy, invalidate the client, log in again. CAPTCHA here can only be
// solved automatically; there is no paused operation to ask a human
// through.
func (w *Worker) relogin(ctx context.Context, acct *model.Account, c upstream.Client) error {
	if err := w.sessions.Delete(ctx, acct.ID); err != nil {
		w.log.Warn().Err(err).Str(logpkg.FieldAccountID, acct.ID).Msg("session cache delete failed")
	}
	c.InvalidateSession()
	return w.login(ctx, nil, acct, c)
}

// portalFailure converts a structured {success: false, error} payload
// into an error, keeping session expiry recognizable for the retry
// wrapper.
func portalFailure(operation, message string) error {
	if upstream.MessageIndicatesSessionExpiry(message) {
		return &upstream.PortalError{Sentinel: upstream.ErrSessionExpired, Operation: operation, Message: message}
	}
	return fmt.Errorf("%s: portal refused: %s", operation, message)
}
