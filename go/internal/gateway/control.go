package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/lanride/go/internal/chat"
	"github.com/mcdev12/lanride/go/internal/engine"
	"github.com/mcdev12/lanride/go/internal/history"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/race"
	"github.com/mcdev12/lanride/go/internal/session"
	"github.com/mcdev12/lanride/go/internal/transport"
	"github.com/mcdev12/lanride/go/internal/wire"
	"google.golang.org/protobuf/types/known/structpb"
)

// ControlServiceName is the connect service the UI calls.
const ControlServiceName = "lanride.v1.ControlService"

type procedure func(ctx context.Context, args *structpb.Struct) (any, error)

// NewControlServiceHandler returns the path prefix and handler for every
// control procedure. Requests and responses are google.protobuf.Struct, so
// JSON clients can call /lanride.v1.ControlService/<Op> directly.
func NewControlServiceHandler(eng Engine, opts ...connect.HandlerOption) (string, http.Handler) {
	procs := map[string]procedure{
		"HostSession": func(ctx context.Context, _ *structpb.Struct) (any, error) {
			return eng.HostSession(ctx)
		},
		"JoinSession": func(ctx context.Context, args *structpb.Struct) (any, error) {
			id, err := uuidArg(args, "session_id")
			if err != nil {
				return nil, err
			}
			return eng.JoinSession(ctx, id)
		},
		"LeaveSession": func(ctx context.Context, _ *structpb.Struct) (any, error) {
			return nil, eng.LeaveSession(ctx)
		},
		"EndSession": func(ctx context.Context, _ *structpb.Struct) (any, error) {
			return nil, eng.EndSession(ctx)
		},
		"GetSession": func(ctx context.Context, _ *structpb.Struct) (any, error) {
			state, err := eng.State(ctx)
			if err != nil {
				return nil, err
			}
			out := map[string]any{"state": state}
			if sess, err := eng.Session(ctx); err == nil {
				out["session"] = sess
				parts, err := eng.Participants(ctx)
				if err != nil {
					return nil, err
				}
				out["participants"] = parts
			}
			return out, nil
		},
		"ListSessions": func(ctx context.Context, _ *structpb.Struct) (any, error) {
			sessions, err := eng.Sessions(ctx)
			return map[string]any{"sessions": sessions}, err
		},
		"ListPeers": func(ctx context.Context, _ *structpb.Struct) (any, error) {
			peers, err := eng.Peers(ctx)
			return map[string]any{"peers": peers}, err
		},
		"BroadcastMetrics": func(ctx context.Context, args *structpb.Struct) (any, error) {
			return nil, eng.BroadcastMetrics(ctx, models.Metrics{
				Power:     uint32(numberArg(args, "power")),
				Cadence:   uint32(numberArg(args, "cadence")),
				HeartRate: uint32(numberArg(args, "heart_rate")),
				Position:  numberArg(args, "position"),
			})
		},
		"SendChat": func(ctx context.Context, args *structpb.Struct) (any, error) {
			return eng.SendChat(ctx, stringArg(args, "text"))
		},
		"ChatLog": func(ctx context.Context, _ *structpb.Struct) (any, error) {
			msgs, err := eng.ChatLog(ctx)
			return map[string]any{"messages": msgs}, err
		},
		"CreateRace": func(ctx context.Context, args *structpb.Struct) (any, error) {
			in := race.CreateRaceInput{CourseLength: numberArg(args, "course_length")}
			if s := stringArg(args, "countdown"); s != "" {
				d, err := time.ParseDuration(s)
				if err != nil {
					return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("countdown: %w", err))
				}
				in.Countdown = d
			}
			if s := stringArg(args, "scheduled_start"); s != "" {
				t, err := time.Parse(time.RFC3339, s)
				if err != nil {
					return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("scheduled_start: %w", err))
				}
				in.ScheduledStart = t
			}
			return eng.CreateRace(ctx, in)
		},
		"JoinRace":   raceOp(eng.JoinRace),
		"EndRace":    raceOp(eng.EndRace),
		"CancelRace": raceOp(eng.CancelRace),
		"Standings": func(ctx context.Context, args *structpb.Struct) (any, error) {
			id, err := uuidArg(args, "race_id")
			if err != nil {
				return nil, err
			}
			standings, err := eng.Standings(ctx, id)
			return map[string]any{"standings": standings}, err
		},
		"ListRaces": func(ctx context.Context, _ *structpb.Struct) (any, error) {
			races, err := eng.Races(ctx)
			return map[string]any{"races": races}, err
		},
		"ClockEstimates": func(ctx context.Context, _ *structpb.Struct) (any, error) {
			estimates, err := eng.ClockEstimates(ctx)
			return map[string]any{"estimates": estimates}, err
		},
		"ListHistory": func(ctx context.Context, _ *structpb.Struct) (any, error) {
			sessions, err := eng.History(ctx)
			return map[string]any{"sessions": sessions}, err
		},
	}

	mux := http.NewServeMux()
	for name, proc := range procs {
		path := "/" + ControlServiceName + "/" + name
		mux.Handle(path, connect.NewUnaryHandler(path, unary(proc), opts...))
	}
	return "/" + ControlServiceName + "/", mux
}

func raceOp(fn func(context.Context, uuid.UUID) error) procedure {
	return func(ctx context.Context, args *structpb.Struct) (any, error) {
		id, err := uuidArg(args, "race_id")
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, id)
	}
}

func unary(proc procedure) func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		out, err := proc(ctx, req.Msg)
		if err != nil {
			return nil, connectError(err)
		}
		msg, err := toStruct(out)
		if err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		return connect.NewResponse(msg), nil
	}
}

// toStruct converts a result through its JSON form. Non-object results are
// wrapped under "result".
func toStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	if len(data) == 0 || data[0] != '{' {
		data = append(append([]byte(`{"result":`), data...), '}')
	}
	msg := &structpb.Struct{}
	if err := msg.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("convert result: %w", err)
	}
	return msg, nil
}

func connectError(err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}

	code := connect.CodeInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, session.ErrJoinTimeout):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, engine.ErrNetworkUnavailable), errors.Is(err, engine.ErrNoHistory):
		code = connect.CodeUnavailable
	case errors.Is(err, session.ErrNotHost), errors.Is(err, race.ErrNotOrganizer):
		code = connect.CodePermissionDenied
	case errors.Is(err, race.ErrRaceNotFound), errors.Is(err, history.ErrNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, transport.ErrRateLimited):
		code = connect.CodeResourceExhausted
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, wire.ErrTextTooLong),
		errors.Is(err, race.ErrInvalidSchedule):
		code = connect.CodeInvalidArgument
	case errors.Is(err, session.ErrJoinRejected), errors.Is(err, session.ErrNotInSession),
		errors.Is(err, session.ErrInvalidState), errors.Is(err, race.ErrInvalidTransition),
		errors.Is(err, race.ErrNotRegistered), errors.Is(err, race.ErrRegistrationOver),
		errors.Is(err, chat.ErrNotOpen), errors.Is(err, race.ErrNotOpen):
		code = connect.CodeFailedPrecondition
	}
	return connect.NewError(code, err)
}

func stringArg(args *structpb.Struct, key string) string {
	v, ok := args.GetFields()[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.GetStringValue())
}

func numberArg(args *structpb.Struct, key string) float64 {
	v, ok := args.GetFields()[key]
	if !ok {
		return 0
	}
	return v.GetNumberValue()
}

func uuidArg(args *structpb.Struct, key string) (uuid.UUID, error) {
	s := stringArg(args, key)
	if s == "" {
		return uuid.Nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s is required", key))
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("invalid %s: %w", key, err))
	}
	return id, nil
}
