package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"

	"github.com/memento-project/memento/internal/bundle"
	"github.com/memento-project/memento/internal/metrics"
	"github.com/memento-project/memento/internal/models"
	"github.com/memento-project/memento/internal/protocol"
)

// maxConsecutiveSendErrors is how many send failures in a row the dispatcher
// tolerates before concluding the channel is wedged and shutting down.
const maxConsecutiveSendErrors = 5

// Sender delivers one JSON response to the client.
type Sender interface {
	Send(ctx context.Context, v any) error
}

type handlerFunc func(ctx context.Context, conn Sender, data []byte) error

// Dispatcher routes decoded control messages to their handlers. One
// dispatcher serves the whole process; connections share it.
type Dispatcher struct {
	dbs      *bundle.Bundle
	logger   *slog.Logger
	shutdown func()

	handlers map[string]handlerFunc

	errMu        sync.Mutex
	sendErrCount int
}

// NewDispatcher creates a dispatcher over dbs. shutdown is invoked when the
// server should stop (close message, or an unrecoverable send channel).
func NewDispatcher(dbs *bundle.Bundle, logger *slog.Logger, shutdown func()) *Dispatcher {
	d := &Dispatcher{
		dbs:      dbs,
		logger:   logger,
		shutdown: shutdown,
	}
	d.handlers = map[string]handlerFunc{
		"query":   d.onQuery,
		"store":   d.onStore,
		"process": d.onProcess,
		"evict":   d.onEvict,
		"clear":   d.onClear,
		"count":   d.onCount,
		"close":   d.onClose,
	}
	return d
}

// HandleMessage processes one raw client message. Errors are reported back
// on the connection rather than returned; only transport failures surface
// through the Sender.
func (d *Dispatcher) HandleMessage(ctx context.Context, conn Sender, data []byte) {
	d.logger.Info("received message", "data", string(data))

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		d.sendError(ctx, conn, err, "")
		return
	}

	handler, ok := d.handlers[env.Type]
	if !ok {
		d.sendError(ctx, conn, fmt.Errorf("received message with unhandled message type: %s", string(data)), env.UID)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.sendError(ctx, conn, fmt.Errorf("%v\n%s", r, debug.Stack()), env.UID)
		}
	}()
	if err := handler(ctx, conn, data); err != nil {
		d.sendError(ctx, conn, err, env.UID)
	}
}

func (d *Dispatcher) send(ctx context.Context, conn Sender, v any) {
	err := conn.Send(ctx, v)

	d.errMu.Lock()
	defer d.errMu.Unlock()
	if err != nil {
		metrics.Inc(metrics.ErrorTotal)
		d.logger.Error("error during sending", "error", err)
		d.sendErrCount++
		if d.sendErrCount > maxConsecutiveSendErrors {
			d.logger.Error("could not recover after too many errors, closing server")
			d.shutdown()
		}
		return
	}
	d.sendErrCount = 0
}

func (d *Dispatcher) sendError(ctx context.Context, conn Sender, err error, uid string) {
	metrics.Inc(metrics.ErrorTotal)
	d.logger.Warn("request failed", "uid", uid, "error", err)
	d.send(ctx, conn, protocol.ErrorResponse{
		Type:  "error",
		Error: err.Error(),
		UID:   uid,
	})
}

func decode[T interface{ Validate() error }](data []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("malformed message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// queryText biases similarity toward the asking user by appending the user
// name to the query string.
func queryText(query, user string) string {
	if user == "" {
		return query
	}
	return fmt.Sprintf("%s (%s)", query, user)
}

func (d *Dispatcher) onQuery(ctx context.Context, conn Sender, data []byte) error {
	msg, err := decode[*protocol.QueryRequest](data)
	if err != nil {
		return err
	}
	metrics.Inc(metrics.QueryTotal)

	resp := protocol.QueryResponse{Type: "query", UID: msg.UID, From: msg.From}
	for i, tier := range msg.From {
		n := msg.N[i]
		switch tier {
		case protocol.TierSTM:
			res, err := d.dbs.ShortTerm.Query(ctx, msg.AIName, queryText(msg.Query, msg.User), n)
			if err != nil {
				return err
			}
			if res == nil {
				res = []models.QueriedMemory{}
			}
			resp.STM = &res
		case protocol.TierLTM:
			res, err := d.dbs.LongTerm.Query(ctx, msg.AIName, queryText(msg.Query, msg.User), n)
			if err != nil {
				return err
			}
			if res == nil {
				res = []models.QueriedMemory{}
			}
			resp.LTM = &res
		case protocol.TierUsers:
			res, err := d.dbs.Users.Query(msg.AIName, msg.User, n)
			if err != nil {
				return err
			}
			if res == nil {
				res = []models.Memory{}
			}
			resp.Users = &res
		}
	}

	d.send(ctx, conn, resp)
	return nil
}

func (d *Dispatcher) onStore(ctx context.Context, conn Sender, data []byte) error {
	msg, err := decode[*protocol.StoreRequest](data)
	if err != nil {
		return err
	}
	metrics.Inc(metrics.StoreTotal)

	for _, dest := range msg.To {
		for _, mem := range msg.Memories {
			switch dest {
			case protocol.TierSTM:
				if err := d.dbs.ShortTerm.Store(ctx, msg.AIName, mem); err != nil {
					return err
				}
			case protocol.TierLTM:
				if err := d.dbs.LongTerm.Store(ctx, msg.AIName, mem); err != nil {
					return err
				}
			case protocol.TierUsers:
				if mem.User == nil {
					continue
				}
				if err := d.dbs.Users.Store(msg.AIName, *mem.User, mem); err != nil {
					return err
				}
			}
		}
	}
	d.logger.Info("stored memories", "coll", msg.AIName, "count", len(msg.Memories), "to", msg.To)
	return nil
}

func (d *Dispatcher) onProcess(ctx context.Context, conn Sender, data []byte) error {
	msg, err := decode[*protocol.ProcessRequest](data)
	if err != nil {
		return err
	}
	metrics.Inc(metrics.ProcessTotal)

	res, err := d.dbs.LLM.Process(ctx, msg.AIName, msg.Context, msg.Messages)
	if err != nil {
		return err
	}

	// The summary goes out before the extracted memories hit storage so
	// the client is not blocked on store latency.
	d.send(ctx, conn, protocol.SummaryResponse{Type: "summary", UID: msg.UID, Summary: res.Summary})

	memTime := models.NowMillis()
	score := (res.EmotionalIntensity + res.Importance) / 2.0
	lifetime := int64(math.Floor(score * float64(d.dbs.Config.LongVDB.MaxMemoryLifetime)))

	summaryMem := models.New(res.Summary)
	summaryMem.Time = memTime
	summaryMem.Score = models.FloatPtr(score)
	summaryMem.Lifetime = models.IntPtr(lifetime)
	if err := d.dbs.ShortTerm.Store(ctx, msg.AIName, summaryMem); err != nil {
		return err
	}

	for _, rem := range res.Remember {
		mem := models.New(rem.Text)
		mem.Time = memTime
		mem.User = rem.User
		mem.Score = models.FloatPtr(score)
		mem.Lifetime = models.IntPtr(lifetime)
		if err := d.dbs.ShortTerm.Store(ctx, msg.AIName, mem); err != nil {
			return err
		}
		if rem.User != nil {
			if err := d.dbs.Users.Store(msg.AIName, *rem.User, mem); err != nil {
				return err
			}
		}
	}

	d.logger.Info("processed messages from client", "coll", msg.AIName, "remembered", len(res.Remember))
	return nil
}

func (d *Dispatcher) onEvict(ctx context.Context, conn Sender, data []byte) error {
	var msg protocol.EvictRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("malformed message: %w", err)
	}
	if err := d.dbs.ShortTerm.EvictAll(ctx, msg.AIName); err != nil {
		return err
	}
	d.logger.Info("evicted messages from collection", "coll", msg.AIName)
	return nil
}

func (d *Dispatcher) onClear(ctx context.Context, conn Sender, data []byte) error {
	msg, err := decode[*protocol.ClearRequest](data)
	if err != nil {
		return err
	}

	switch msg.Target {
	case protocol.TierSTM:
		err = d.dbs.ShortTerm.Clear(ctx, msg.AIName)
	case protocol.TierLTM:
		err = d.dbs.LongTerm.Clear(ctx, msg.AIName)
	case protocol.TierUsers:
		if msg.User != "" {
			err = d.dbs.Users.ClearUser(msg.AIName, msg.User)
		} else {
			err = d.dbs.Users.ClearAllUsers(msg.AIName)
		}
	}
	if err != nil {
		return err
	}

	var user *string
	if msg.User != "" {
		user = models.StrPtr(msg.User)
	}
	d.send(ctx, conn, protocol.AckResponse{
		Type:   "ack",
		UID:    msg.UID,
		Op:     "clear",
		Target: msg.Target,
		AIName: msg.AIName,
		User:   user,
	})
	return nil
}

func (d *Dispatcher) onCount(ctx context.Context, conn Sender, data []byte) error {
	msg, err := decode[*protocol.CountRequest](data)
	if err != nil {
		return err
	}

	resp := protocol.CountResponse{Type: "count", UID: msg.UID}
	for _, tier := range msg.From {
		switch tier {
		case protocol.TierSTM:
			n, err := d.dbs.ShortTerm.Count(ctx, msg.AIName)
			if err != nil {
				return err
			}
			resp.STM = &n
		case protocol.TierLTM:
			n, err := d.dbs.LongTerm.Count(ctx, msg.AIName)
			if err != nil {
				return err
			}
			resp.LTM = &n
		case protocol.TierUsers:
			users, err := d.dbs.Users.Users(msg.AIName)
			if err != nil {
				return err
			}
			n := len(users)
			resp.Users = &n
		}
	}

	d.send(ctx, conn, resp)
	return nil
}

func (d *Dispatcher) onClose(ctx context.Context, conn Sender, data []byte) error {
	d.logger.Info("received close message")
	d.shutdown()
	return nil
}
