package universe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creativeprojects/offmail/driver"
	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/storage"
)

type enqueueOptions struct {
	completion func(job.Completion)
}

type Option func(*enqueueOptions)

// WithCompletion registers a function called once the operation is resolved
func WithCompletion(callback func(job.Completion)) Option {
	return func(options *enqueueOptions) {
		options.completion = callback
	}
}

// Enqueue applies the local effect of a new operation, saves the operation and queues its online phase.
// The local effect is visible when Enqueue returns, unless a missing resource deferred it.
func (u *Universe) Enqueue(accountID string, payload job.Payload, options ...Option) (string, error) {
	opts := &enqueueOptions{}
	for _, option := range options {
		option(opts)
	}
	if payload == nil {
		return "", errors.New("missing operation payload")
	}
	if !u.driver.Supports(payload.Type()) {
		return "", fmt.Errorf("%w: %s", driver.ErrUnsupported, payload.Type())
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return "", ErrClosed
	}
	a, err := u.accountLocked(accountID)
	if err != nil {
		u.mu.Unlock()
		return "", err
	}
	longtermID := job.NewLongtermID(a.id, a.record.NextMutationNum)
	if opts.completion != nil {
		a.callbacks[longtermID] = append(a.callbacks[longtermID], opts.completion)
	}
	var completions []pendingCompletion
	err = u.updateLocked(a, func(tx storage.Tx) error {
		var err error
		_, completions, err = u.addLocked(a, tx, payload)
		return err
	})
	if err != nil {
		delete(a.callbacks, longtermID)
		u.mu.Unlock()
		return "", err
	}
	completions = u.takeCallbacksLocked(a, completions)
	completions = append(completions, u.dispatchLocked(a)...)
	u.mu.Unlock()

	u.complete(completions)
	return longtermID, nil
}

// updateLocked runs fn and saves the account in the same transaction.
// When the transaction fails, the account goes back to the state it had before.
func (u *Universe) updateLocked(a *account, fn func(tx storage.Tx) error) error {
	backup, err := a.snapshot()
	if err != nil {
		return err
	}
	err = u.store.Update(func(tx storage.Tx) error {
		if fn != nil {
			if err := fn(tx); err != nil {
				return err
			}
		}
		return a.save(tx)
	})
	if err != nil {
		u.log.Printf("account %q: transaction failed: %s", a.id, err)
		a.restore(backup, u.config.HistoryLimit)
	}
	a.updateGauges()
	return err
}

// addLocked creates a new operation wanting to be done, and applies its local phase
func (u *Universe) addLocked(a *account, tx storage.Tx, payload job.Payload) (*job.Operation, []pendingCompletion, error) {
	op, err := (&job.Operation{
		LongtermID: job.NewLongtermID(a.id, a.record.NextMutationNum),
		AccountID:  a.id,
		Desire:     job.DesireDo,
		Created:    time.Now(),
		Payload:    payload,
	}).Clone()
	if err != nil {
		return nil, nil, err
	}
	a.record.NextMutationNum++
	a.queue.Add(op)
	u.log.Printf("%s %s: enqueued", op.LongtermID, op.Type())
	completions, err := u.localLocked(a, tx, op)
	return op, completions, err
}

// applyLocal brings the local state in line with the desire of the operation
func (u *Universe) applyLocal(a *account, tx storage.Tx, op *job.Operation) (job.Outcome, error) {
	var err error
	switch op.Desire {
	case job.DesireDo:
		if op.LocalStatus == job.StatusDone {
			return job.OutcomeSuccess, nil
		}
		err = u.driver.LocalDo(a.acct, tx, op)
		if err == nil {
			op.LocalStatus = job.StatusDone
		}
	case job.DesireUndo:
		if op.LocalStatus != job.StatusDone {
			return job.OutcomeSuccess, nil
		}
		err = u.driver.LocalUndo(a.acct, tx, op)
		if err == nil {
			op.LocalStatus = job.StatusUndone
		}
	}
	outcome := job.Classify(err)
	if outcome == job.OutcomeUnknown && (errors.Is(err, lib.ErrMessageNotFound) || errors.Is(err, lib.ErrFolderNotFound)) {
		outcome = job.OutcomeMoot
	}
	switch outcome {
	case job.OutcomeSuccess, job.OutcomeDefer, job.OutcomeMoot:
		if err != nil {
			u.log.Printf("%s %s: local phase: %s", op.LongtermID, op.Type(), err)
		}
		return outcome, nil
	}
	return outcome, fmt.Errorf("local phase of %s %s: %w", op.LongtermID, op.Type(), err)
}

// localLocked runs the local phase of the operation, and deals with its outcome
func (u *Universe) localLocked(a *account, tx storage.Tx, op *job.Operation) ([]pendingCompletion, error) {
	outcome, err := u.applyLocal(a, tx, op)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case job.OutcomeDefer:
		u.deferLocked(a, op)
		return u.ensureEssentialFoldersLocked(a, tx)
	case job.OutcomeMoot:
		return []pendingCompletion{u.retireLocked(a, op, job.StatusMoot, nil, nil)}, nil
	}
	return nil, nil
}

// applyPendingLocalLocked runs the local phase of an operation whose desire changed while it was running
func (u *Universe) applyPendingLocalLocked(a *account, longtermID string) []pendingCompletion {
	op, ok := a.queue.Get(longtermID)
	if !ok || op.Desire == job.DesireNone || !op.LocalPending() || a.running == longtermID {
		return nil
	}
	var completions []pendingCompletion
	err := u.updateLocked(a, func(tx storage.Tx) error {
		var err error
		completions, err = u.localLocked(a, tx, op)
		return err
	})
	if err != nil {
		return u.giveUpLocked(a, longtermID, err)
	}
	return u.takeCallbacksLocked(a, completions)
}

// ensureEssentialFoldersLocked queues the creation of the trash and sent folders when they're not known locally
func (u *Universe) ensureEssentialFoldersLocked(a *account, tx storage.Tx) ([]pendingCompletion, error) {
	missing, err := driver.MissingEssentialFolders(a.acct, tx)
	if err != nil {
		return nil, err
	}
	var completions []pendingCompletion
	for _, payload := range missing {
		if u.folderCreationPendingLocked(a, payload.Path) {
			continue
		}
		u.log.Printf("account %q: creating missing %s folder %q", a.id, payload.FolderType, payload.Path)
		_, created, err := u.addLocked(a, tx, payload)
		if err != nil {
			return nil, err
		}
		completions = append(completions, created...)
	}
	return completions, nil
}

func (u *Universe) folderCreationPendingLocked(a *account, path string) bool {
	for _, op := range a.queue.History() {
		if op.Desire == job.DesireNone {
			continue
		}
		if payload, ok := op.Payload.(*job.CreateFolder); ok && lib.SameFolderPath(payload.Path, path) {
			return true
		}
	}
	return false
}

// dispatchLocked starts the online phase of the head of the queue, if nothing is running for the account
func (u *Universe) dispatchLocked(a *account) []pendingCompletion {
	var completions []pendingCompletion
	for !u.closed && u.online && a.enabled && a.running == "" {
		op := a.queue.Head()
		if op == nil {
			break
		}
		if op.Desire == job.DesireNone {
			a.queue.Remove(op.LongtermID)
			continue
		}
		if op.LocalPending() {
			longtermID := op.LongtermID
			completions = append(completions, u.applyPendingLocalLocked(a, longtermID)...)
			if head := a.queue.Head(); head != nil && head.LongtermID == longtermID && head.LocalPending() {
				// still blocked: wait for the next change
				break
			}
			continue
		}
		if op.Status == job.StatusNone && op.Desire == job.DesireUndo {
			// nothing reached the server
			var retired pendingCompletion
			err := u.updateLocked(a, func(tx storage.Tx) error {
				retired = u.retireLocked(a, op, job.StatusUndone, nil, nil)
				return nil
			})
			if err != nil {
				break
			}
			completions = append(completions, u.takeCallbacksLocked(a, []pendingCompletion{retired})...)
			continue
		}
		u.startLocked(a, op)
	}
	if a.idle() {
		if a.record.MutationState.Len() > 0 {
			_ = u.updateLocked(a, func(tx storage.Tx) error {
				a.record.MutationState.Clear()
				return nil
			})
		}
		// closing a connection waits for the server
		completions = append(completions, pendingCompletion{after: a.broker.CloseIdle})
		u.wakeWaitersLocked(a)
	}
	a.updateGauges()
	return completions
}

// startLocked saves the running status of the operation and starts its online phase on a copy
func (u *Universe) startLocked(a *account, op *job.Operation) {
	longtermID := op.LongtermID
	previous := op.Status
	err := u.updateLocked(a, func(tx storage.Tx) error {
		switch op.Mode() {
		case job.ModeDo:
			op.Status = job.StatusDoing
		case job.ModeUndo:
			op.Status = job.StatusUndoing
		}
		return nil
	})
	if err != nil {
		// nothing runs without being saved first
		if op, ok := a.queue.Get(longtermID); ok {
			u.deferLocked(a, op)
		}
		return
	}
	clone, err := op.Clone()
	if err != nil {
		u.log.Printf("%s: cannot copy operation: %s", longtermID, err)
		op.Status = previous
		u.deferLocked(a, op)
		return
	}
	a.running = longtermID
	a.updateGauges()
	state := a.record.MutationState.Copy()

	u.wg.Add(1)
	go u.execute(a, clone, state, previous)
}

func (u *Universe) execute(a *account, op *job.Operation, state job.MutationState, previous job.Status) {
	defer u.wg.Done()

	ctx, cancel := context.WithTimeout(u.ctx, u.config.OpTimeout)
	defer cancel()

	u.log.Printf("%s %s: running %s", op.LongtermID, op.Type(), op.Mode())
	start := time.Now()
	exec := u.driver.Execute(ctx, a.acct, op, state)
	metricDuration.WithLabelValues(string(op.Type()), string(exec.Mode)).Observe(time.Since(start).Seconds())
	u.jobDone(a, exec, previous)
}

// jobDone applies the result of an online phase, then dispatches the next operation
func (u *Universe) jobDone(a *account, exec *driver.Execution, previous job.Status) {
	u.mu.Lock()
	longtermID := exec.Op.LongtermID
	a.running = ""
	metricOperations.WithLabelValues(a.id, string(exec.Op.Type()), string(exec.Mode), resultLabel(exec)).Inc()
	if exec.Err != nil {
		u.log.Printf("%s %s: %s returned: %s", longtermID, exec.Op.Type(), exec.Mode, exec.Err)
	} else if exec.Mode == job.ModeCheck {
		u.log.Printf("%s %s: check returned %s", longtermID, exec.Op.Type(), exec.Check)
	}

	var completions []pendingCompletion
	if op, ok := a.queue.Get(longtermID); ok {
		var done []pendingCompletion
		err := u.updateLocked(a, func(tx storage.Tx) error {
			op.Payload = job.MergeServerResults(op.Payload, exec.Op.Payload)
			var err error
			done, err = u.transitionLocked(a, tx, op, exec, previous)
			return err
		})
		if err == nil {
			completions = u.takeCallbacksLocked(a, done)
		} else if op, ok := a.queue.Get(longtermID); ok {
			// the outcome is lost: the server must be checked again
			op.Status = job.StatusChecking
			u.deferLocked(a, op)
		}
		completions = append(completions, u.applyPendingLocalLocked(a, longtermID)...)
	}
	completions = append(completions, u.dispatchLocked(a)...)
	u.mu.Unlock()

	u.complete(completions)
}

// transitionLocked moves the operation to its next status according to the result of the online phase
func (u *Universe) transitionLocked(a *account, tx storage.Tx, op *job.Operation, exec *driver.Execution, previous job.Status) ([]pendingCompletion, error) {
	if exec.Mode == job.ModeCheck && exec.Err == nil {
		return u.checkedLocked(a, tx, op, exec), nil
	}
	outcome := job.Classify(exec.Err)
	switch outcome {
	case job.OutcomeSuccess:
		a.record.MutationState.Apply(exec.Delta)
		op.TryCount = 0
		wanted := job.DesireDo
		op.Status = job.StatusDone
		if exec.Mode == job.ModeUndo {
			wanted = job.DesireUndo
			op.Status = job.StatusUndone
		}
		if op.Desire == wanted {
			return []pendingCompletion{u.retireLocked(a, op, op.Status, nil, exec.Result.Value)}, nil
		}
		u.log.Printf("%s: desire changed to %s while running", op.LongtermID, op.Desire)
		return nil, nil

	case job.OutcomeDefer:
		op.Status = previous
		u.deferLocked(a, op)
		return u.ensureEssentialFoldersLocked(a, tx)

	case job.OutcomeAbortedRetry, job.OutcomeUnknown:
		step := 1
		if outcome == job.OutcomeUnknown {
			step = u.config.UnknownErrorStep
		}
		op.TryCount += step
		if op.TryCount >= u.config.MaxTryCount {
			u.log.Printf("%s: abandoned after %d tries", op.LongtermID, op.TryCount)
			return []pendingCompletion{u.mootLocked(a, tx, op, exec.Err)}, nil
		}
		op.Status = job.StatusChecking
		return nil, nil

	case job.OutcomeGiveUp:
		u.problemLocked(a, op, exec.Err)
		return []pendingCompletion{u.mootLocked(a, tx, op, exec.Err)}, nil
	}
	return []pendingCompletion{u.mootLocked(a, tx, op, exec.Err)}, nil
}

// mootLocked retires an operation which won't go any further on the server.
// A local undo still waiting is applied first: the local state must not keep the effect of an undone operation.
func (u *Universe) mootLocked(a *account, tx storage.Tx, op *job.Operation, cause error) pendingCompletion {
	if tx != nil && op.Desire == job.DesireUndo && op.LocalPending() {
		outcome, err := u.applyLocal(a, tx, op)
		if err != nil {
			u.log.Printf("%s %s: %s", op.LongtermID, op.Type(), err)
		} else if outcome != job.OutcomeSuccess {
			u.log.Printf("%s %s: local undo %s", op.LongtermID, op.Type(), outcome)
		}
	}
	return u.retireLocked(a, op, job.StatusMoot, cause, nil)
}

// checkedLocked applies the evidence returned by a check
func (u *Universe) checkedLocked(a *account, tx storage.Tx, op *job.Operation, exec *driver.Execution) []pendingCompletion {
	switch exec.Check {
	case job.CheckNotYet, job.CheckCoherentNotYet:
		a.record.MutationState.Apply(exec.Delta)
		op.Status = job.StatusNone
		if op.Desire == job.DesireUndo && !op.LocalPending() {
			return []pendingCompletion{u.retireLocked(a, op, job.StatusUndone, nil, nil)}
		}

	case job.CheckIdempotent:
		a.record.MutationState.Apply(exec.Delta)
		if op.Desire == job.DesireUndo {
			op.Status = job.StatusDone
		} else {
			op.Status = job.StatusNone
		}

	case job.CheckHappened:
		a.record.MutationState.Apply(exec.Delta)
		op.Status = job.StatusDone
		if op.Desire == job.DesireDo {
			return []pendingCompletion{u.retireLocked(a, op, job.StatusDone, nil, nil)}
		}

	case job.CheckMoot:
		return []pendingCompletion{u.mootLocked(a, tx, op, nil)}

	default:
		u.deferLocked(a, op)
	}
	return nil
}

// retireLocked resolves the operation: it leaves the active queue and only stays in the undo history
func (u *Universe) retireLocked(a *account, op *job.Operation, status job.Status, err error, value any) pendingCompletion {
	op.Status = status
	op.Desire = job.DesireNone
	a.queue.Remove(op.LongtermID)
	a.removeDeferred(op.LongtermID)
	a.queue.Trim()
	u.log.Printf("%s %s: %s", op.LongtermID, op.Type(), status)
	return pendingCompletion{
		completion: job.Completion{
			LongtermID: op.LongtermID,
			Type:       op.Type(),
			Status:     status,
			Err:        err,
			Value:      value,
		},
	}
}

// giveUpLocked retires an operation which cannot go any further, and keeps a problem record
func (u *Universe) giveUpLocked(a *account, longtermID string, cause error) []pendingCompletion {
	u.log.Printf("%s: giving up: %s", longtermID, cause)
	var completions []pendingCompletion
	err := u.updateLocked(a, func(tx storage.Tx) error {
		op, ok := a.queue.Get(longtermID)
		if !ok {
			return nil
		}
		cause = fmt.Errorf("%w: %w", job.ErrGiveUp, cause)
		u.problemLocked(a, op, cause)
		completions = []pendingCompletion{u.retireLocked(a, op, job.StatusMoot, cause, nil)}
		return nil
	})
	if err != nil {
		return nil
	}
	return u.takeCallbacksLocked(a, completions)
}

func (u *Universe) problemLocked(a *account, op *job.Operation, err error) {
	message := "unknown error"
	if err != nil {
		message = err.Error()
	}
	a.record.AddProblem(job.Problem{
		LongtermID: op.LongtermID,
		Type:       op.Type(),
		Message:    message,
		Date:       time.Now(),
	}, u.config.MaxProblems)
	metricProblems.WithLabelValues(a.id, string(op.Type())).Inc()
}

// takeCallbacksLocked attaches the registered callbacks to the completions, once they're saved
func (u *Universe) takeCallbacksLocked(a *account, completions []pendingCompletion) []pendingCompletion {
	for i := range completions {
		longtermID := completions[i].completion.LongtermID
		completions[i].callbacks = a.callbacks[longtermID]
		delete(a.callbacks, longtermID)
	}
	return completions
}

// deferLocked takes the operation off the active queue until the deferred delay is over
func (u *Universe) deferLocked(a *account, op *job.Operation) {
	a.queue.Remove(op.LongtermID)
	if !a.isDeferred(op.LongtermID) {
		u.log.Printf("%s %s: deferred", op.LongtermID, op.Type())
		a.deferred = append(a.deferred, deferredOp{
			longtermID: op.LongtermID,
			readyAt:    time.Now().Add(u.config.DeferredDelay),
		})
	}
	u.armTimerLocked()
}

// armTimerLocked makes sure the single deferred timer fires for the earliest deferred operation
func (u *Universe) armTimerLocked() {
	if u.closed {
		return
	}
	var next time.Time
	for _, a := range u.accounts {
		for _, entry := range a.deferred {
			if next.IsZero() || entry.readyAt.Before(next) {
				next = entry.readyAt
			}
		}
	}
	if next.IsZero() {
		return
	}
	if u.timer != nil {
		if !u.timerAt.After(next) {
			return
		}
		u.timer.Stop()
	}
	u.timerAt = next
	u.timer = time.AfterFunc(time.Until(next), func() {
		u.resplice(false)
	})
}

// resplice puts the deferred operations ready to go back at the end of their queue
func (u *Universe) resplice(force bool) {
	u.mu.Lock()
	if !force {
		u.timer = nil
		u.timerAt = time.Time{}
	}
	if u.closed {
		u.mu.Unlock()
		return
	}
	now := time.Now()
	var completions []pendingCompletion
	for _, a := range u.sortedAccountsLocked() {
		kept := make([]deferredOp, 0, len(a.deferred))
		for _, entry := range a.deferred {
			if !force && entry.readyAt.After(now) {
				kept = append(kept, entry)
				continue
			}
			u.log.Printf("%s: back in the queue", entry.longtermID)
			a.queue.Enqueue(entry.longtermID)
		}
		a.deferred = kept
		a.updateGauges()
		completions = append(completions, u.dispatchLocked(a)...)
	}
	u.armTimerLocked()
	u.mu.Unlock()

	u.complete(completions)
}

func resultLabel(exec *driver.Execution) string {
	if exec.Mode == job.ModeCheck && exec.Err == nil {
		return string(exec.Check)
	}
	return string(job.Classify(exec.Err))
}
