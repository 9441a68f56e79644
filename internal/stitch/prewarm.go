package stitch

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// startPrewarm fetches the configured fragment URLs into the cache after
// the initial delay and then on every period.
func (s *Service) startPrewarm() {
	urls := s.prewarmURLs()
	if len(urls) == 0 {
		return
	}

	initDelay := s.cfg.Cache.Prewarm.InitialDelay
	period := s.cfg.Cache.Prewarm.Every

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := s.closeContext()
			defer cancel()
			warmed, failed := s.resolver.Prewarm(ctx, urls)
			s.logger.Info("prewarm finished", "warmed", warmed, "failed", failed)
		}

		runOnce()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

func (s *Service) prewarmURLs() []string {
	out := make([]string, 0, len(s.cfg.Cache.Prewarm.URLs))
	for _, u := range s.cfg.Cache.Prewarm.URLs {
		if u = s.normalizeMaybeRelativeURL(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func (s *Service) normalizeMaybeRelativeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Server.Origin + u
}

// Prewarm loads each URL into the cache as a request without forwarded
// headers would. URLs already cached are skipped.
func (r *Resolver) Prewarm(ctx context.Context, urls []string) (warmed, failed int) {
	for _, u := range urls {
		if ctx.Err() != nil {
			return warmed, failed
		}
		f, cached, err := r.load(ctx, u, r.cfg.RequestTimeout, http.Header{})
		switch {
		case err != nil:
			failed++
			r.logger.Warn("prewarm failed", "url", u, "error", err)
		case cached:
		case !isSuccessStatus(f.Status):
			failed++
			r.logger.Warn("prewarm got error status", "url", u, "status", f.Status)
		default:
			warmed++
		}
	}
	return warmed, failed
}
