package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MediaFactory acquires local capture for a call.
type MediaFactory interface {
	Open(ctx context.Context, kind models.CallKind) (MediaTransport, error)
}

// MediaTransport is the peer-to-peer media connection of one call. Close
// releases capture devices and must be safe to call more than once.
type MediaTransport interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// AcceptOffer applies the remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	SetAnswer(ctx context.Context, answer json.RawMessage) error
	AddCandidate(ctx context.Context, candidate json.RawMessage) error
	// Candidates yields local ICE candidates to relay to the peer.
	Candidates() <-chan json.RawMessage
	States() <-chan models.MediaState
	Close() error
}

type activeCall struct {
	session  models.CallSession
	peerID   uuid.UUID
	media    MediaTransport
	outgoing bool
	duration int

	connectTimer *time.Timer
	graceTimer   *time.Timer
	ticker       *time.Ticker
	stop         chan struct{}
}

type incomingCall struct {
	session    models.CallSession
	offer      json.RawMessage
	candidates []json.RawMessage
	accepting  bool
}

type hangup struct {
	callID   uuid.UUID
	duration int
}

// PlaceCall opens local media, sends the offer and waits for the relay to
// accept the call. The callee answers asynchronously.
func (s *Session) PlaceCall(ctx context.Context, receiverShortID string, kind models.CallKind) (models.CallSession, error) {
	if s.media == nil {
		return models.CallSession{}, apperr.Invalid("calls are not supported on this client")
	}
	var err error
	s.do(func() {
		if s.call != nil || s.incoming != nil || s.placing {
			err = apperr.Conflict("already in a call")
			return
		}
		s.placing = true
	})
	if err != nil {
		return models.CallSession{}, err
	}
	release := func() { s.do(func() { s.placing = false }) }

	media, err := s.media.Open(ctx, kind)
	if err != nil {
		release()
		return models.CallSession{}, apperr.TransportFailure("open media: %v", err)
	}
	offer, err := media.CreateOffer(ctx)
	if err != nil {
		media.Close()
		release()
		return models.CallSession{}, apperr.TransportFailure("create offer: %v", err)
	}
	call, err := s.gw.InitiateCall(ctx, receiverShortID, kind, offer)
	if err != nil {
		media.Close()
		release()
		return models.CallSession{}, err
	}

	started := s.do(func() {
		s.placing = false
		s.startCall(call, call.ReceiverID, media, true)
	})
	if !started {
		media.Close()
		s.gw.EndCall(context.WithoutCancel(ctx), call.ID, 0)
		return models.CallSession{}, apperr.Invalid("session closed")
	}
	return call, nil
}

// AcceptCall answers the surfaced incoming call.
func (s *Session) AcceptCall(ctx context.Context) (models.CallSession, error) {
	if s.media == nil {
		return models.CallSession{}, apperr.Invalid("calls are not supported on this client")
	}
	var (
		in  incomingCall
		err error
	)
	s.do(func() {
		if s.incoming == nil || s.incoming.accepting {
			err = apperr.NotFound("no incoming call")
			return
		}
		s.incoming.accepting = true
		in = *s.incoming
	})
	if err != nil {
		return models.CallSession{}, err
	}
	fail := func(e error) (models.CallSession, error) {
		s.do(func() {
			if s.incoming != nil && s.incoming.session.ID == in.session.ID {
				s.incoming = nil
			}
		})
		s.gw.EndCall(ctx, in.session.ID, 0)
		return models.CallSession{}, e
	}

	media, err := s.media.Open(ctx, in.session.Kind)
	if err != nil {
		return fail(apperr.TransportFailure("open media: %v", err))
	}
	answer, err := media.AcceptOffer(ctx, in.offer)
	if err != nil {
		media.Close()
		return fail(apperr.TransportFailure("accept offer: %v", err))
	}
	call, err := s.gw.AnswerCall(ctx, in.session.ID, answer)
	if err != nil {
		media.Close()
		return fail(err)
	}

	var ended bool
	s.do(func() {
		if s.incoming == nil || s.incoming.session.ID != call.ID {
			ended = true
			return
		}
		pending := s.incoming.candidates
		s.incoming = nil
		s.startCall(call, call.CallerID, media, false)
		for _, c := range pending {
			s.addRemoteCandidate(s.call, c)
		}
	})
	if ended {
		media.Close()
		return models.CallSession{}, apperr.Conflict("call %s ended before it was answered", call.ID)
	}
	return call, nil
}

// DeclineCall rejects the surfaced incoming call.
func (s *Session) DeclineCall(ctx context.Context) error {
	var id uuid.UUID
	s.do(func() {
		if s.incoming != nil && !s.incoming.accepting {
			id = s.incoming.session.ID
			s.incoming = nil
		}
	})
	if id == uuid.Nil {
		return apperr.NotFound("no incoming call")
	}
	_, err := s.gw.EndCall(ctx, id, 0)
	return err
}

// EndCall hangs up the current call. Media is released before the relay is
// told, whatever the relay answers.
func (s *Session) EndCall(ctx context.Context) error {
	var (
		h  hangup
		ok bool
	)
	s.do(func() { h, ok = s.finishCall(false, models.EndHangup) })
	if !ok {
		return apperr.NotFound("no active call")
	}
	_, err := s.gw.EndCall(ctx, h.callID, h.duration)
	return err
}

// ActiveCall returns the current call and its connected duration in seconds.
func (s *Session) ActiveCall() (models.CallSession, int, bool) {
	var (
		c  models.CallSession
		d  int
		ok bool
	)
	s.do(func() {
		if s.call != nil {
			c, d, ok = s.call.session, s.call.duration, true
		}
	})
	return c, d, ok
}

// IncomingCall returns the call waiting to be accepted, if any.
func (s *Session) IncomingCall() (models.CallSession, bool) {
	var (
		c  models.CallSession
		ok bool
	)
	s.do(func() {
		if s.incoming != nil {
			c, ok = s.incoming.session, true
		}
	})
	return c, ok
}

func (s *Session) startCall(call models.CallSession, peerID uuid.UUID, media MediaTransport, outgoing bool) {
	ac := &activeCall{
		session:  call,
		peerID:   peerID,
		media:    media,
		outgoing: outgoing,
		stop:     make(chan struct{}),
	}
	s.call = ac
	if outgoing {
		ac.connectTimer = s.after(s.opts.CallTimeout, ac, func() {
			s.log.Info("call did not connect in time", zap.String("call_id", ac.session.ID.String()))
			s.finishCall(true, models.EndTimeout)
		})
	}
	s.watchMedia(ac)
	s.emit(Update{Kind: CallStateChanged, Call: &call})
}

// after runs fn on the actor after d, unless ac is no longer the current call.
func (s *Session) after(d time.Duration, ac *activeCall, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		s.post(func() {
			if s.call == ac {
				fn()
			}
		})
	})
}

func (s *Session) watchMedia(ac *activeCall) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cands, states := ac.media.Candidates(), ac.media.States()
		for cands != nil || states != nil {
			select {
			case <-s.ctx.Done():
				return
			case <-ac.stop:
				return
			case c, ok := <-cands:
				if !ok {
					cands = nil
					continue
				}
				s.post(func() { s.onLocalCandidate(ac, c) })
			case st, ok := <-states:
				if !ok {
					states = nil
					continue
				}
				s.post(func() { s.onMediaState(ac, st) })
			}
		}
	}()
}

func (s *Session) onLocalCandidate(ac *activeCall, c json.RawMessage) {
	if s.call != ac {
		return
	}
	sig := models.Signal{Type: models.SignalICECandidate, CallID: ac.session.ID, Candidate: c}
	peer := ac.peerID
	s.spawn(func(ctx context.Context) {
		if err := s.gw.RelaySignal(ctx, peer, sig); err != nil {
			s.log.Debug("relay candidate failed", zap.Error(err))
		}
	})
}

func (s *Session) addRemoteCandidate(ac *activeCall, c json.RawMessage) {
	media := ac.media
	s.spawn(func(ctx context.Context) {
		if err := media.AddCandidate(ctx, c); err != nil {
			s.log.Debug("add candidate failed", zap.Error(err))
		}
	})
}

func (s *Session) onMediaState(ac *activeCall, st models.MediaState) {
	if s.call != ac {
		return
	}
	id := ac.session.ID
	s.spawn(func(ctx context.Context) {
		if err := s.gw.ReportMediaState(ctx, id, st); err != nil {
			s.log.Debug("report media state failed", zap.Error(err))
		}
	})

	switch st {
	case models.MediaConnected:
		stopTimer(&ac.connectTimer)
		stopTimer(&ac.graceTimer)
		if ac.ticker == nil {
			ac.ticker = time.NewTicker(s.opts.CallTick)
			s.tick(ac)
		}
	case models.MediaFailed, models.MediaDisconnected:
		if ac.graceTimer == nil {
			ac.graceTimer = s.after(s.opts.MediaFailureGrace, ac, func() {
				s.finishCall(true, models.EndMediaFailed)
			})
		}
	}
}

func (s *Session) tick(ac *activeCall) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ac.stop:
				return
			case <-ac.ticker.C:
				s.post(func() {
					if s.call == ac {
						ac.duration++
						s.emit(Update{Kind: CallTick, Call: &ac.session, Duration: ac.duration})
					}
				})
			}
		}
	}()
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// finishCall tears the current call down locally: timers stop and media is
// released. With notify set the relay is told in the background.
func (s *Session) finishCall(notify bool, reason models.CallEndReason) (hangup, bool) {
	ac := s.call
	if ac == nil {
		return hangup{}, false
	}
	s.call = nil
	stopTimer(&ac.connectTimer)
	stopTimer(&ac.graceTimer)
	if ac.ticker != nil {
		ac.ticker.Stop()
	}
	close(ac.stop)
	if err := ac.media.Close(); err != nil {
		s.log.Warn("release media failed", zap.Error(err))
	}

	h := hangup{callID: ac.session.ID, duration: ac.duration}
	ended := ac.session
	if ended.State != models.CallEnded {
		ended.State = models.CallEnded
		ended.EndReason = reason
		ended.DurationSeconds = ac.duration
	}
	s.emit(Update{Kind: CallEnded, Call: &ended, Duration: ac.duration})
	if notify {
		s.spawn(func(ctx context.Context) {
			if _, err := s.gw.EndCall(ctx, h.callID, h.duration); err != nil {
				s.log.Warn("end call failed", zap.String("call_id", h.callID.String()), zap.Error(err))
			}
		})
	}
	return h, true
}

func (s *Session) onSignal(ev models.SignalEvent) {
	switch ev.Event {
	case models.EventIncomingCall:
		if ev.Call == nil {
			return
		}
		if s.call != nil || s.incoming != nil || s.placing {
			s.log.Info("ignoring second incoming call", zap.String("call_id", ev.Call.ID.String()))
			return
		}
		in := &incomingCall{session: *ev.Call}
		if ev.Signal != nil {
			in.offer = ev.Signal.Offer
		}
		s.incoming = in
		id := ev.Call.ID
		s.spawn(func(ctx context.Context) {
			if err := s.gw.AcknowledgeCall(ctx, id); err != nil {
				s.log.Debug("acknowledge call failed", zap.Error(err))
			}
		})
		call := *ev.Call
		s.emit(Update{Kind: IncomingCall, Call: &call})

	case models.EventCallRinging, models.EventCallState:
		if ev.Call != nil && s.call != nil && s.call.session.ID == ev.Call.ID {
			s.call.session = *ev.Call
			call := *ev.Call
			s.emit(Update{Kind: CallStateChanged, Call: &call})
		}

	case models.EventCallSignal:
		if ev.Signal == nil {
			return
		}
		s.onCallSignal(ev)

	case models.EventCallEnded:
		var id uuid.UUID
		switch {
		case ev.Call != nil:
			id = ev.Call.ID
		case ev.Signal != nil:
			id = ev.Signal.CallID
		}
		s.onRemoteEnd(id, ev.Call)
	}
}

func (s *Session) onCallSignal(ev models.SignalEvent) {
	sig := *ev.Signal
	ac := s.call
	current := ac != nil && ac.session.ID == sig.CallID
	switch sig.Type {
	case models.SignalAnswer:
		if !current || !ac.outgoing {
			return
		}
		if ev.Call != nil {
			ac.session = *ev.Call
		}
		media := ac.media
		s.spawn(func(ctx context.Context) {
			if err := media.SetAnswer(ctx, sig.Answer); err != nil {
				s.log.Warn("apply answer failed", zap.Error(err))
			}
		})
		call := ac.session
		s.emit(Update{Kind: CallStateChanged, Call: &call})
	case models.SignalICECandidate:
		if current {
			s.addRemoteCandidate(ac, sig.Candidate)
		} else if s.incoming != nil && s.incoming.session.ID == sig.CallID {
			s.incoming.candidates = append(s.incoming.candidates, sig.Candidate)
		}
	case models.SignalCallEnded:
		s.onRemoteEnd(sig.CallID, nil)
	}
}

func (s *Session) onRemoteEnd(callID uuid.UUID, call *models.CallSession) {
	if s.call != nil && s.call.session.ID == callID {
		if call != nil {
			s.call.session = *call
		}
		s.finishCall(false, models.EndHangup)
		return
	}
	if s.incoming != nil && s.incoming.session.ID == callID {
		ended := s.incoming.session
		if call != nil {
			ended = *call
		}
		s.incoming = nil
		s.emit(Update{Kind: CallEnded, Call: &ended})
	}
}
