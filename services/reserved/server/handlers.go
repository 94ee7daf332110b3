package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"raac/gateway/middleware"
	"raac/native/fixedpoint"
	"raac/native/reserve"
	"raac/observability/logging"
	"raac/services/reserved/journal"
)

const reserveModule = "reserve"

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), RequestID: middleware.RequestID(r.Context())}
	var reqErr *requestError
	if !errors.As(err, &reqErr) && status != http.StatusNotFound {
		body.Kind = reserve.KindOf(err).String()
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("reserve operation failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", body.RequestID),
			slog.Any("error", err))
		body.Error = http.StatusText(status)
	}
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &requestError{msg: fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}

// view runs a read-only closure against a reserve and renders the result.
func (s *Server) view(w http.ResponseWriter, r *http.Request, fn func(e *reserve.Engine, now uint64) (interface{}, error)) {
	var out interface{}
	err := s.cfg.Registry.Do(r.Context(), chi.URLParam(r, "id"), "read", func(e *reserve.Engine, now uint64) error {
		var err error
		out, err = fn(e, now)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListReserves(w http.ResponseWriter, r *http.Request) {
	ids := s.cfg.Registry.IDs()
	out := make([]reserveView, 0, len(ids))
	for _, id := range ids {
		err := s.cfg.Registry.Do(r.Context(), id, "read", func(e *reserve.Engine, _ uint64) error {
			v, err := newReserveView(e)
			if err != nil {
				return err
			}
			out = append(out, v)
			return nil
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reserves": out})
}

func (s *Server) handleGetReserve(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(e *reserve.Engine, _ uint64) (interface{}, error) {
		return newReserveView(e)
	})
}

func (s *Server) handleGetRates(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(e *reserve.Engine, _ uint64) (interface{}, error) {
		view := newRatesView(e.RateSnapshot())
		avg, err := s.cfg.Registry.AverageUsageRate(e.ID())
		if err != nil {
			return nil, err
		}
		view.AverageUsageRate = fixedpoint.FormatRay(avg)
		return view, nil
	})
}

func (s *Server) handleGetUtilization(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(e *reserve.Engine, _ uint64) (interface{}, error) {
		util, err := e.UtilizationRate()
		if err != nil {
			return nil, err
		}
		return utilizationView{ID: e.ID(), Utilization: fixedpoint.FormatRay(util), Ray: util.Dec()}, nil
	})
}

func (s *Server) handleGetNormalized(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(e *reserve.Engine, now uint64) (interface{}, error) {
		if raw := r.URL.Query().Get("at"); raw != "" {
			at, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, &requestError{msg: "at must be a unix timestamp"}
			}
			now = at
		}
		income, err := e.NormalizedIncome(now)
		if err != nil {
			return nil, err
		}
		debt, err := e.NormalizedDebt(now)
		if err != nil {
			return nil, err
		}
		return normalizedView{
			ID:               e.ID(),
			Timestamp:        now,
			NormalizedIncome: fixedpoint.FormatRay(income),
			NormalizedDebt:   fixedpoint.FormatRay(debt),
		}, nil
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.cfg.Registry.Has(id) {
		s.fail(w, r, unknownReserve(id))
		return
	}
	q := journal.Query{Reserve: id, Type: r.URL.Query().Get("type")}
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.fail(w, r, &requestError{msg: "after must be a sequence number"})
			return
		}
		q.After = after
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.fail(w, r, &requestError{msg: "limit must be a positive integer"})
			return
		}
		q.Limit = limit
	}
	records, err := s.cfg.Journal.List(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]eventView, 0, len(records))
	for _, record := range records {
		evt, err := record.Event()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out = append(out, eventView{
			ID:         record.ID.String(),
			Sequence:   record.Sequence,
			Type:       evt.Type,
			Attributes: evt.Attributes,
			CreatedAt:  record.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("reserve")
	if id != "" && !s.cfg.Registry.Has(id) {
		s.fail(w, r, unknownReserve(id))
		return
	}
	s.cfg.Hub.ServeReserve(w, r, id)
}

// mutate runs fn under the reserve lock and answers with the post-state.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, op string, fn func(e *reserve.Engine, now uint64) (*uint256.Int, error)) {
	var out mutationView
	err := s.cfg.Registry.Do(r.Context(), chi.URLParam(r, "id"), op, func(e *reserve.Engine, now uint64) error {
		scaled, err := fn(e, now)
		if err != nil {
			return err
		}
		if scaled != nil {
			out.Scaled = scaled.Dec()
		}
		out.Reserve, err = newReserveView(e)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit(r.Context(), op, chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) audit(ctx context.Context, op, id string) {
	s.logger.Info("reserve updated",
		slog.String("operation", op),
		slog.String("reserve", id),
		logging.SubjectField(middleware.Subject(ctx)),
		slog.String("request_id", middleware.RequestID(ctx)))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.mutate(w, r, "deposit", func(e *reserve.Engine, now uint64) (*uint256.Int, error) {
		return e.Deposit(amount, now)
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.mutate(w, r, "withdraw", func(e *reserve.Engine, now uint64) (*uint256.Int, error) {
		return e.Withdraw(amount, now)
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if (req.Increase == "") == (req.Decrease == "") {
		s.fail(w, r, &requestError{msg: "exactly one of increase or decrease required"})
		return
	}
	if req.Increase != "" {
		amount, err := parseAmount("increase", req.Increase)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.mutate(w, r, "increase_usage", func(e *reserve.Engine, now uint64) (*uint256.Int, error) {
			return e.IncreaseUsage(amount, now)
		})
		return
	}
	amount, err := parseAmount("decrease", req.Decrease)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.mutate(w, r, "decrease_usage", func(e *reserve.Engine, now uint64) (*uint256.Int, error) {
		return e.DecreaseUsage(amount, now)
	})
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "accrue", func(e *reserve.Engine, now uint64) (*uint256.Int, error) {
		return nil, e.AccrueInterest(now)
	})
}

func (s *Server) handleSetPrimeRate(w http.ResponseWriter, r *http.Request) {
	var req primeRateRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rate, err := parseRate("rate", req.Rate)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.mutate(w, r, "set_prime_rate", func(e *reserve.Engine, now uint64) (*uint256.Int, error) {
		return nil, e.SetPrimeRate(rate, now)
	})
}

func (s *Server) handleSetCurve(w http.ResponseWriter, r *http.Request) {
	var req curveRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.mutate(w, r, "set_rate_curve", func(e *reserve.Engine, now uint64) (*uint256.Int, error) {
		params, err := req.curveParams(e.RateSnapshot().Curve())
		if err != nil {
			return nil, err
		}
		return nil, e.SetRateCurve(params, now)
	})
}

func (s *Server) handleGetPause(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pauseView{Module: reserveModule, Paused: s.cfg.Pauses.IsPaused(reserveModule)})
}

func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.cfg.Pauses.Set(reserveModule, req.Paused)
	s.logger.Warn("reserve pause toggled",
		slog.Bool("paused", req.Paused),
		logging.SubjectField(middleware.Subject(r.Context())),
		slog.String("request_id", middleware.RequestID(r.Context())))
	writeJSON(w, http.StatusOK, pauseView{Module: reserveModule, Paused: req.Paused})
}
