package universe

import (
	"fmt"

	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/storage"
)

// Undo reverses an operation still in the undo history. An operation which never reached the
// server is cancelled locally. Otherwise its desire is flipped and it goes back to the queue:
// undoing an undone operation does it again. The local effect follows the new desire when Undo
// returns, even when the operation is running.
func (u *Universe) Undo(longtermID string) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	a, err := u.accountLocked(job.AccountFromLongtermID(longtermID))
	if err != nil {
		u.mu.Unlock()
		return err
	}
	op, ok := a.queue.Get(longtermID)
	if !ok {
		u.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrOperationNotFound, longtermID)
	}
	if op.Status == job.StatusMoot {
		u.mu.Unlock()
		return fmt.Errorf("%w: operation %q cannot be reversed", job.ErrMoot, longtermID)
	}

	var completions []pendingCompletion
	err = u.updateLocked(a, func(tx storage.Tx) error {
		var err error
		completions, err = u.undoLocked(a, tx, op)
		return err
	})
	if err != nil {
		u.mu.Unlock()
		return err
	}
	completions = u.takeCallbacksLocked(a, completions)
	completions = append(completions, u.dispatchLocked(a)...)
	u.mu.Unlock()

	u.complete(completions)
	return nil
}

func (u *Universe) undoLocked(a *account, tx storage.Tx, op *job.Operation) ([]pendingCompletion, error) {
	running := a.running == op.LongtermID

	if op.Status == job.StatusNone && op.Desire == job.DesireDo && !running {
		u.log.Printf("%s %s: cancelled before reaching the server", op.LongtermID, op.Type())
		a.queue.Remove(op.LongtermID)
		a.removeDeferred(op.LongtermID)
		op.Desire = job.DesireUndo
		outcome, err := u.applyLocal(a, tx, op)
		if err != nil {
			return nil, err
		}
		if outcome == job.OutcomeDefer {
			// the local undo runs again from the queue, then the operation retires without going online
			u.deferLocked(a, op)
			return nil, nil
		}
		return []pendingCompletion{u.retireLocked(a, op, job.StatusUndone, nil, nil)}, nil
	}

	switch op.Status {
	case job.StatusDone, job.StatusDoing:
		op.Desire = job.DesireUndo
	case job.StatusUndone, job.StatusUndoing:
		op.Desire = job.DesireDo
	default:
		// checking, or a cancelled operation waiting for its local undo
		if op.Desire == job.DesireUndo {
			op.Desire = job.DesireDo
		} else {
			op.Desire = job.DesireUndo
		}
	}
	op.TryCount = 0
	u.log.Printf("%s %s: desire is now %s", op.LongtermID, op.Type(), op.Desire)
	if running {
		// the online phase finds the new desire when it returns
		outcome, err := u.applyLocal(a, tx, op)
		if err != nil {
			return nil, err
		}
		if outcome != job.OutcomeSuccess {
			u.log.Printf("%s %s: local phase %s, tried again after the online phase", op.LongtermID, op.Type(), outcome)
		}
		return nil, nil
	}
	completions, err := u.localLocked(a, tx, op)
	if err != nil {
		return nil, err
	}
	if op.Desire != job.DesireNone && !a.isDeferred(op.LongtermID) {
		a.queue.Enqueue(op.LongtermID)
	}
	return completions, nil
}
