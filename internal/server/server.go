// Package server implements the connection supervisor (spec.md §4.9, C10):
// a TLS-wrapped accept loop that isolates each connection in its own
// worker, bounded at max_kids concurrent workers, dispatching on the first
// wire byte to CREATE, CREATE_DKG, CHALLENGE_CREATE, or CHALLENGE_VERIFY.
package server

import (
	"context"
	"crypto/ecdh"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/asciimoo/pwdsphinx/internal/account"
	"github.com/asciimoo/pwdsphinx/internal/config"
	"github.com/asciimoo/pwdsphinx/internal/dkg"
	"github.com/asciimoo/pwdsphinx/internal/hostblob"
	"github.com/asciimoo/pwdsphinx/internal/log"
	"github.com/asciimoo/pwdsphinx/internal/proto"
	"github.com/asciimoo/pwdsphinx/internal/ratelimit"
	"github.com/asciimoo/pwdsphinx/internal/store"
	"github.com/asciimoo/pwdsphinx/internal/wire"
)

// Server owns the listener, every shared (read-only after startup)
// collaborator, and the worker concurrency bound. Per spec.md §5, no
// mutable state is shared across workers beyond these collaborators and
// the record store on disk.
type Server struct {
	cfg       config.Server
	listener  net.Listener
	sem       *semaphore.Weighted
	acceptLim *rate.Limiter

	store     *store.Store
	accounts  *account.Manager
	limiter   *ratelimit.Limiter
	noiseKey  *ecdh.PrivateKey
	peers     []dkg.AuthorizedPeer
	log       *log.Logger
}

// New wires every collaborator together the way oracle.py's module-level
// setup does at import time, but explicit and error-returning instead of
// crashing on first use.
func New(cfg config.Server, tlsCfg *tls.Config, noiseKey *ecdh.PrivateKey, peers []dkg.AuthorizedPeer, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.With()
	}
	st, err := store.Open(cfg.Datadir)
	if err != nil {
		return nil, fmt.Errorf("server: open store: %w", err)
	}
	hb := hostblob.New(st)
	acct := account.New(st, hb, logger)
	limiter := ratelimit.New(st, ratelimit.LeadingZeroBits{}, time.Duration(cfg.RLDecay)*time.Second, uint32(cfg.RLThreshold), time.Duration(cfg.RLGracetime)*time.Second, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}

	return &Server{
		cfg:       cfg,
		listener:  ln,
		sem:       semaphore.NewWeighted(int64(cfg.MaxKids)),
		acceptLim: rate.NewLimiter(rate.Limit(cfg.MaxKids), cfg.MaxKids*2),
		store:     st,
		accounts:  acct,
		limiter:   limiter,
		noiseKey:  noiseKey,
		peers:     peers,
		log:       logger,
	}, nil
}

// Serve runs the accept loop until ctx is canceled, at which point the
// listener is closed and Serve returns once every in-flight worker has
// finished (bounded by the semaphore's full capacity being reacquirable).
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		if err := s.acceptLim.Wait(ctx); err != nil {
			return s.drain(ctx)
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return s.drain(ctx)
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			return s.drain(ctx)
		}
		go s.handle(conn)
	}
}

// drain waits for every in-flight worker to release the semaphore, the
// graceful-shutdown half of "Workers are reaped non-blockingly after spawn
// and on idle timeouts" (spec.md §4.9).
func (s *Server) drain(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.sem.Acquire(drainCtx, int64(s.cfg.MaxKids)); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return ctx.Err()
}

func (s *Server) handle(netConn net.Conn) {
	defer s.sem.Release(1)
	defer netConn.Close()

	id := uuid.New().String()
	clog := s.log.With("conn", id, "remote", netConn.RemoteAddr().String())
	c := wire.New(netConn, time.Duration(s.cfg.Timeout)*time.Second)

	if err := s.dispatch(c, clog); err != nil {
		clog.Warn("connection failed", "err", err)
		_ = c.Send(proto.Fail)
		return
	}
}

// dispatch implements the top-level flow of spec.md §2: "first byte
// selects CREATE, CREATE_DKG, CHALLENGE_CREATE, or CHALLENGE_VERIFY."
func (s *Server) dispatch(c *wire.Conn, clog *log.Logger) error {
	opByte, err := c.ReadByte1()
	if err != nil {
		return err
	}
	op := proto.Op(opByte)
	clog = clog.With("op", op.String())

	switch op {
	case proto.OpCreate:
		return s.handleCreate(c, clog)
	case proto.OpCreateDKG:
		return s.handleCreateDKG(c, clog)
	case proto.OpChallengeCreate:
		return s.handleChallengeCreate(c, clog)
	case proto.OpChallengeVerify:
		return s.handleChallengeVerify(c, clog)
	default:
		return fmt.Errorf("server: unknown top-level opcode 0x%02x", opByte)
	}
}

func (s *Server) handleCreate(c *wire.Conn, clog *log.Logger) error {
	req, err := c.ReadExact(proto.IDSize + proto.AlphaSize)
	if err != nil {
		return err
	}
	id, alpha := splitIDAlpha(req)
	clog.Info("create", "id", fmt.Sprintf("%x", id))
	return s.accounts.Create(c, idHex(id), alpha)
}

func (s *Server) handleCreateDKG(c *wire.Conn, clog *log.Logger) error {
	head, err := c.ReadExact(3)
	if err != nil {
		return err
	}
	index, t, n := head[0], head[1], head[2]
	req, err := c.ReadExact(proto.IDSize + proto.AlphaSize)
	if err != nil {
		return err
	}
	id, alpha := splitIDAlpha(req)
	clog.Info("create_dkg", "id", fmt.Sprintf("%x", id), "index", index, "t", t, "n", n)

	aux := append([]byte{byte(proto.OpCreateDKG)}, alpha[:]...)
	res, err := dkg.Run(c, index, int(n), int(t), s.noiseKey, s.peers, aux)
	if err != nil {
		return fmt.Errorf("server: dkg: %w", err)
	}
	return s.accounts.CreateDKG(c, idHex(id), alpha, res.Share)
}

// handleChallengeCreate implements CHALLENGE_CREATE (spec.md §4.4): the
// inner request is op'[1] || id[32] for READ or op'[1] || id[32] ||
// alpha[32] otherwise.
func (s *Server) handleChallengeCreate(c *wire.Conn, clog *log.Logger) error {
	innerOpByte, err := c.ReadByte1()
	if err != nil {
		return err
	}
	innerOp := proto.Op(innerOpByte)
	idBuf, err := c.ReadExact(proto.IDSize)
	if err != nil {
		return err
	}

	req := append([]byte{innerOpByte}, idBuf...)
	if innerOp != proto.OpRead {
		alphaBuf, err := c.ReadExact(proto.AlphaSize)
		if err != nil {
			return err
		}
		req = append(req, alphaBuf...)
	}

	clog.Info("challenge_create", "inner_op", innerOp.String(), "id", fmt.Sprintf("%x", idBuf))
	challenge, err := s.limiter.CreateChallenge(idHex(idBuf), req, time.Now())
	if err != nil {
		return fmt.Errorf("server: challenge_create: %w", err)
	}
	return c.Send(challenge.Bytes())
}

// handleChallengeVerify implements CHALLENGE_VERIFY (spec.md §4.4 steps
// 1-7) and then dispatches the verified request to the account state
// machine (spec.md §4.5).
func (s *Server) handleChallengeVerify(c *wire.Conn, clog *log.Logger) error {
	challengeRaw, err := c.ReadExact(proto.ChallengeSize)
	if err != nil {
		return err
	}
	sig, err := c.ReadExact(proto.MACSize)
	if err != nil {
		return err
	}
	innerOpByte, err := c.ReadByte1()
	if err != nil {
		return err
	}
	innerOp := proto.Op(innerOpByte)
	idBuf, err := c.ReadExact(proto.IDSize)
	if err != nil {
		return err
	}

	req := append([]byte{innerOpByte}, idBuf...)
	var alpha [32]byte
	if innerOp != proto.OpRead {
		alphaBuf, err := c.ReadExact(proto.AlphaSize)
		if err != nil {
			return err
		}
		copy(alpha[:], alphaBuf)
		req = append(req, alphaBuf...)
	}

	solSize := s.limiter.SolutionSize(challengeRaw[0], challengeRaw[1])
	solution, err := c.ReadExact(solSize)
	if err != nil {
		return err
	}

	if err := s.limiter.VerifyChallenge(challengeRaw, sig, req, solution, time.Now()); err != nil {
		return fmt.Errorf("server: challenge_verify: %w", err)
	}

	clog = clog.With("inner_op", innerOp.String(), "id", fmt.Sprintf("%x", idBuf))
	clog.Info("challenge_verify ok")

	id := idHex(idBuf)
	switch innerOp {
	case proto.OpGet:
		return s.accounts.Get(c, id, alpha)
	case proto.OpChange:
		return s.accounts.Change(c, id, alpha)
	case proto.OpChangeDKG:
		return s.handleChangeDKG(c, id, alpha)
	case proto.OpCommit:
		return s.accounts.Commit(c, id, alpha)
	case proto.OpUndo:
		return s.accounts.Undo(c, id, alpha)
	case proto.OpDelete:
		return s.accounts.Delete(c, id, alpha)
	case proto.OpRead:
		return s.accounts.Read(c, id)
	default:
		return fmt.Errorf("server: unsupported inner opcode 0x%02x", innerOpByte)
	}
}

// handleChangeDKG reads the (index, t, n) header CHANGE_DKG carries ahead
// of its DKG run, then proceeds exactly like CHANGE_DKG's CREATE_DKG
// counterpart.
func (s *Server) handleChangeDKG(c *wire.Conn, id string, alpha [32]byte) error {
	head, err := c.ReadExact(3)
	if err != nil {
		return err
	}
	index, t, n := head[0], head[1], head[2]
	aux := append([]byte{byte(proto.OpChangeDKG)}, alpha[:]...)
	res, err := dkg.Run(c, index, int(n), int(t), s.noiseKey, s.peers, aux)
	if err != nil {
		return fmt.Errorf("server: dkg: %w", err)
	}
	return s.accounts.ChangeDKG(c, id, alpha, res.Share)
}

func splitIDAlpha(req []byte) (id [32]byte, alpha [32]byte) {
	copy(id[:], req[:32])
	copy(alpha[:], req[32:64])
	return
}

func idHex(id []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(id)*2)
	for i, b := range id {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
