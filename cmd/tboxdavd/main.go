// Copyright 2023-2025 The Tboxdav Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// tboxdavd exposes a remote Tbox object store as a WebDAV share.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav"
	tnet "github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/lock"
	"github.com/tboxdav/tboxdav/pkg/storage"
	"github.com/tboxdav/tboxdav/pkg/tbox"
)

// Compile time variables initialized with ldflags.
var (
	version   = "dev"
	gitCommit string
)

func init() {
	// teach the router the DAV verbs so Handle covers them
	for _, m := range []string{
		tnet.MethodPropfind, tnet.MethodProppatch, tnet.MethodMkcol,
		tnet.MethodCopy, tnet.MethodMove, tnet.MethodLock, tnet.MethodUnlock,
	} {
		chi.RegisterMethod(m)
	}
}

func main() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	conf := defaultConfig()

	var configFile string
	var showVersion bool
	flags.StringVar(&conf.Host, "host", conf.Host, "address to listen on")
	flags.IntVar(&conf.Port, "port", conf.Port, "port to listen on")
	flags.Int64Var(&conf.CacheSize, "cachesize", conf.CacheSize, "metadata cache budget in bytes (min 10 MiB)")
	flags.StringVar(&conf.Auth, "auth", conf.Auth, "auth mode: None, JaCookie, UserToken, Custom, Mixed")
	flags.StringVar(&conf.Username, "username", conf.Username, "username for basic auth modes")
	flags.StringVar(&conf.Password, "password", conf.Password, "password for basic auth modes")
	flags.StringVar(&conf.Cookie, "cookie", conf.Cookie, "session cookie for JaCookie auth")
	flags.StringVar(&conf.Token, "token", conf.Token, "access token for UserToken auth")
	flags.StringVar(&conf.Access, "access", conf.Access, "access mode: Full, ReadOnly, ReadDownload")
	flags.StringVar(&conf.BaseURL, "baseurl", conf.BaseURL, "Tbox API root URL")
	flags.StringVar(&configFile, "config", "", "yaml configuration file")
	flags.BoolVar(&showVersion, "version", false, "show version and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if showVersion {
		fmt.Printf("tboxdavd %s %s\n", version, gitCommit)
		return
	}
	if configFile != "" {
		if err := conf.applyFile(configFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		// flags win over the file
		if err := flags.Parse(os.Args[1:]); err != nil {
			os.Exit(1)
		}
	}
	if err := conf.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := initLogger(conf)
	if err := run(conf, log); err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(2)
	}
}

func initLogger(conf *config) zerolog.Logger {
	level, err := zerolog.ParseLevel(conf.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = os.Stderr
	logger := zerolog.New(out)
	if conf.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}
	return logger.Level(level).With().Timestamp().Str("service", "tboxdavd").Logger()
}

func run(conf *config, log zerolog.Logger) error {
	backend := tbox.NewClient(tbox.ClientOptions{
		BaseURL:     conf.BaseURL,
		Credentials: credentialsFor(conf),
		Timeout:     time.Duration(conf.Timeout) * time.Second,
	})

	store := storage.NewStore(backend, storage.Options{
		CacheSize:     conf.CacheSize,
		InfiniteDepth: infiniteDepthMode(conf.InfiniteDepth),
		UploadWorkers: conf.UploadWorkers,
	})
	locks := lock.NewManager()

	dav := tboxdav.New(&tboxdav.Config{
		Prefix:    conf.Prefix,
		Namespace: conf.Namespace,
		ReadOnly:  conf.Access != "Full",
	}, store, locks)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logCtx(log))
	r.Get("/status", statusHandler)
	if base := path.Join("/", conf.Prefix); base != "/" {
		// the handlers see paths below the prefix; hrefs and Destination
		// headers carry it
		r.Handle(base+"/*", http.StripPrefix(base, dav))
	} else {
		r.Handle("/*", dav)
	}

	addr := fmt.Sprintf("%s:%d", conf.Host, conf.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

// logCtx stores a request-scoped logger in the context for the handlers.
func logCtx(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sublog := log.With().
				Str("reqid", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Logger()
			next.ServeHTTP(w, r.WithContext(appctx.WithLogger(r.Context(), &sublog)))
		})
	}
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{ // nolint:errcheck
		"service": "tboxdavd",
		"version": version,
	})
}

func credentialsFor(conf *config) tbox.Credentials {
	switch conf.Auth {
	case "UserToken":
		return tbox.StaticCredentials(conf.Token)
	case "JaCookie":
		return tbox.StaticCredentials(conf.Cookie)
	case "Custom", "Mixed":
		if conf.Token != "" {
			return tbox.StaticCredentials(conf.Token)
		}
		return &tbox.BasicCredentials{Username: conf.Username, Password: conf.Password}
	default:
		return nil
	}
}

func infiniteDepthMode(s string) storage.InfiniteDepthMode {
	switch s {
	case "rejected":
		return storage.InfiniteDepthRejected
	case "assume0":
		return storage.InfiniteDepthAssume0
	case "assume1":
		return storage.InfiniteDepthAssume1
	default:
		return storage.InfiniteDepthAllowed
	}
}
