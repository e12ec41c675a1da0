package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/shellgate/internal/classify"
	"github.com/ppiankov/shellgate/internal/config"
	"github.com/ppiankov/shellgate/internal/denylist"
	"github.com/ppiankov/shellgate/internal/policy"
)

type snapshot struct {
	classifier   *classify.Classifier
	policy       *policy.Config
	hash         string
	denylistPath string
}

func (s *Server) load() (snapshot, error) {
	cfg, hash, err := config.LoadWithHash(s.cfg.ConfigPath)
	if err != nil {
		return snapshot{}, fmt.Errorf("load config: %w", err)
	}
	path := s.cfg.DenylistPath
	if path == "" {
		path = config.ExpandHome(cfg.Security.DenylistPath)
	}
	dl, err := denylist.Load(path)
	if err != nil {
		return snapshot{}, fmt.Errorf("load deny list: %w", err)
	}
	return snapshot{
		classifier:   classify.New(dl),
		policy:       cfg.PolicyConfig(),
		hash:         hash,
		denylistPath: path,
	}, nil
}

// Reload re-reads the config and deny list and swaps them in atomically.
// On error the previous policy stays in force.
func (s *Server) Reload() error {
	snap, err := s.load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.classifier = snap.classifier
	s.gate.SetPolicy(snap.policy)
	s.policyHash = snap.hash
	s.denylistPath = snap.denylistPath
	s.mu.Unlock()
	return nil
}

func (s *Server) newWatcher() (*config.Watcher, error) {
	s.mu.RLock()
	dlPath := s.denylistPath
	s.mu.RUnlock()
	if dlPath == "" {
		dlPath = denylist.DefaultPath()
	}
	w, err := config.NewWatcher(s.cfg.ConfigPath, dlPath)
	if err != nil {
		return nil, err
	}
	w.SetErrorf(func(format string, args ...any) {
		s.log.Warn(fmt.Sprintf(format, args...))
	})
	return w, nil
}

func (s *Server) watchReloads(ctx context.Context, w *config.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case files := <-w.Changes():
			if err := s.Reload(); err != nil {
				s.log.Warn("hot-reload failed", zap.Strings("files", files), zap.Error(err))
				continue
			}
			s.log.Info("hot-reload: policy reloaded", zap.Strings("files", files), zap.String("policy_hash", s.PolicyHash()))
		}
	}
}
