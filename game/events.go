package game

import (
	"clash-session/message"
	"clash-session/router"
	"clash-session/rpcerr"
	"clash-session/store"

	"go.uber.org/zap"
)

// Bind subscribes the service to match pushes and connection loss. The
// returned function removes every subscription.
func (s *Service) Bind(r *router.Router) (unbind func()) {
	unsubs := []func(){
		r.OnMessage(message.TypeGameStart, s.onGameStart),
		r.OnMessage(message.TypeCardPlayed, s.onCardPlayed),
		r.OnMessage(message.TypeGameEnd, s.onGameEnd),
		r.OnMessage(message.TypeError, s.onError),
		r.OnMessage(message.TypeDisconnect, s.onDisconnect),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (s *Service) onGameStart(env *message.Envelope) {
	var payload message.GameStart
	if !s.decodePush(env, &payload) {
		return
	}
	s.store.StartGame(payload.LobbyID)
	s.logger.Info("match started", zap.String("lobby", payload.LobbyID), zap.String("room", payload.RoomType))
}

func (s *Service) onCardPlayed(env *message.Envelope) {
	var payload message.CardPlayed
	if !s.decodePush(env, &payload) {
		return
	}
	s.logger.Debug("card played",
		zap.Int("user", payload.UserID),
		zap.Int("card", payload.CardID),
		zap.Int("x", payload.X),
		zap.Int("y", payload.Y))
	if s.opts.OnCardPlayed != nil {
		s.opts.OnCardPlayed(payload)
	}
}

func (s *Service) onGameEnd(env *message.Envelope) {
	var payload message.GameEnd
	if !s.decodePush(env, &payload) {
		return
	}
	s.logger.Info("match ended", zap.String("winner", payload.Winner), zap.String("reason", payload.Reason))
	s.store.ResetGame()
}

func (s *Service) onError(env *message.Envelope) {
	var payload message.ErrorPayload
	if !s.decodePush(env, &payload) {
		return
	}
	msg := payload.Message
	if msg == "" {
		msg = payload.Error
	}
	s.store.SetError(msg)
}

func (s *Service) onDisconnect(*message.Envelope) {
	switch s.store.Snapshot().Game.Status {
	case store.StatusInGame, store.StatusSearching:
		s.logger.Info("connection lost during match, resetting")
		s.store.ResetGame()
	}
}

func (s *Service) decodePush(env *message.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		s.logger.Warn("dropping malformed push",
			zap.Error(&rpcerr.ProtocolViolation{Type: env.Type, Reason: err.Error()}))
		return false
	}
	return true
}
