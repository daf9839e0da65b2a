// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/renewtv/renewd/internal/broker"
	"github.com/renewtv/renewd/internal/domain/operation/lifecycle"
	"github.com/renewtv/renewd/internal/domain/operation/model"
	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/normalize"
	"github.com/renewtv/renewd/internal/notify"
	"github.com/renewtv/renewd/internal/upstream"
)

// normalizePackageNames cleans scraped catalogue names in place before
// they reach the cache, the parked operation or a client.
func normalizePackageNames(pkgs []model.Package) {
	for i := range pkgs {
		pkgs[i].Name = normalize.DisplayName(pkgs[i].Name)
	}
}

// handleStartRenewal leases an account, loads the package catalogue
// for the card, and parks the operation for the user's package choice.
// The session and dealer balance are snapshotted so the follow-up
// purchase can resume without a fresh login.
func (w *Worker) handleStartRenewal(ctx context.Context, job broker.Job) error {
	op, err := w.claim(ctx, job.OperationID, lifecycle.EvJobStarted, model.StatusPending)
	if err != nil {
		return err
	}

	acct, err := w.acquireQueued(ctx, op)
	if err != nil {
		return err
	}

	return w.withLease(ctx, acct, func(ctx context.Context, c upstream.Client) error {
		if err := w.checkCancelled(ctx, op.ID); err != nil {
			return err
		}
		if err := w.ensureSession(ctx, op, acct, c); err != nil {
			return err
		}
		if err := w.checkCancelled(ctx, op.ID); err != nil {
			return err
		}

		smartcard := op.SmartcardType
		if smartcard == "" {
			smartcard = model.SmartcardCisco
		}

		var pkgs *upstream.PackagesResult
		loadPackages := func(ctx context.Context) error {
			r, err := c.LoadPackages(ctx, op.CardNumber, smartcard)
			if err != nil {
				return err
			}
			if !r.Success {
				return portalFailure("load_packages", r.Err)
			}
			normalizePackageNames(r.Packages)
			pkgs = r
			return nil
		}

		stb, stbCached := w.cards.GetSTB(ctx, op.CardNumber)
		if stbCached {
			// Receiver number already known; the card lookup would buy
			// nothing.
			if err := w.withSessionRetry(ctx, acct, c, loadPackages); err != nil {
				return err
			}
		} else {
			// The card lookup and the catalogue hit independent portal
			// pages; run them together. Card trouble is non-fatal:
			// packages work without an STB.
			var cardInfo *upstream.CardInfo
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				info, err := c.CheckCard(gctx, op.CardNumber)
				if err != nil {
					w.log.Debug().Err(err).
						Str(logpkg.FieldOperationID, op.ID).
						Msg("card check failed, continuing without STB")
					return nil
				}
				cardInfo = info
				return nil
			})
			g.Go(func() error {
				return w.withSessionRetry(gctx, acct, c, loadPackages)
			})
			if err := g.Wait(); err != nil {
				return err
			}
			if cardInfo != nil {
				stb = cardInfo.STBNumber
			}
		}
		if stb == "" && pkgs.STBNumber != "" {
			stb = pkgs.STBNumber
		}

		if err := w.checkCancelled(ctx, op.ID); err != nil {
			return err
		}

		// Refresh the account's known balance; selection filters and
		// the purchase pre-check read it. A failed write only costs
		// freshness.
		if pkgs.BalanceKnown {
			if _, err := w.store.UpdateAccount(ctx, acct.ID, func(a *model.Account) error {
				a.Balance = pkgs.DealerBalance
				a.BalanceRefreshedAtUnix = time.Now().Unix()
				a.UpdatedAtUnix = time.Now().Unix()
				return nil
			}); err != nil {
				w.log.Warn().Err(err).Str(logpkg.FieldAccountID, acct.ID).Msg("balance refresh write failed")
			}
		}

		w.cards.PutPackages(ctx, op.CardNumber, pkgs.Packages)
		if stb != "" {
			w.cards.PutSTB(ctx, op.CardNumber, stb)
		}

		s, err := c.ExportSession()
		if err != nil {
			return fmt.Errorf("export session for package wait: %w", err)
		}

		now := time.Now()
		parked, err := w.store.UpdateOperation(ctx, op.ID, func(o *model.Operation) error {
			if o.Status == model.StatusCancelled {
				return ErrOperationCancelled
			}
			if _, derr := lifecycle.Dispatch(o, lifecycle.Event{Kind: lifecycle.EvPackagesLoaded}, now); derr != nil {
				return derr
			}
			o.AccountID = acct.ID
			o.AvailablePackages = pkgs.Packages
			o.STBNumber = stb
			o.SmartcardType = smartcard
			o.CaptchaImage = ""
			o.CaptchaSolution = ""
			o.FinalConfirmExpiryUnix = now.Add(PackageSelectWindow).Unix()
			o.ResponseMessage = "Select a package to continue."
			o.ResponseData = &model.ResponseData{
				Kind: model.SnapshotAwaitingPackage,
				AwaitingPackage: &model.AwaitingPackageSnapshot{
					Session:       *s,
					DealerBalance: pkgs.DealerBalance,
					SavedAtUnix:   now.Unix(),
					SmartcardType: smartcard,
				},
			}
			stampHeartbeat(o, now)
			return nil
		})
		if err != nil {
			return err
		}

		w.notifyUser(ctx, notify.OperationUpdate(parked, parked.ResponseMessage))
		w.log.Info().
			Str(logpkg.FieldOperationID, op.ID).
			Str(logpkg.FieldAccountID, acct.ID).
			Int("packages", len(pkgs.Packages)).
			Msg("renewal parked for package selection")
		return nil
	})
}
