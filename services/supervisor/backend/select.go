// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// TargetEnv names the environment variable the CLI reads the backend
// target from.
const TargetEnv = "BLDR_CONFIG_BACKEND"

// ErrUnsupportedTarget is returned by Select for an unknown scheme.
var ErrUnsupportedTarget = errors.New("unsupported config backend target")

var osEnviron = os.Environ

// Select picks the backend for target.
//
// # Description
//
//	""                                         StaticEnv from <SERVICE>_*
//	consul://host:port/prefix                  PushWatch (blocking queries)
//	consul://host:port/prefix?mode=poll&interval=30s
//	                                           PollSnapshot
//	http(s)://host/path                        PollSnapshot of a JSON object
//	file:///path/overrides.yaml                PushWatch (fsnotify)
//
// A consul target without a path uses the prefix "bldr/<service>". The
// consul query also accepts wait=<duration> and tls=true. With a target
// set, environment overrides are not read.
//
// # Inputs
//
//   - target: Backend location, usually from BLDR_CONFIG_BACKEND.
//   - service: Service name, used for the env prefix and default paths.
//   - pollInterval: Interval for http(s) targets. <= 0 uses the default.
//   - opts: Retry and logging.
//
// # Outputs
//
//   - Backend: Ready to Run.
//   - error: ErrUnsupportedTarget or a construction error.
func Select(target, service string, pollInterval time.Duration, opts Options) (Backend, error) {
	if target == "" {
		return NewEnv(service, nil), nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnsupportedTarget, target, err)
	}
	q := u.Query()

	switch u.Scheme {
	case "consul":
		prefix := strings.Trim(u.Path, "/")
		if prefix == "" {
			prefix = "bldr/" + service
		}
		scheme := "http"
		if q.Get("tls") == "true" {
			scheme = "https"
		}
		wait, err := durationParam(q, "wait")
		if err != nil {
			return nil, err
		}
		kv, err := NewConsulKV(u.Host, scheme, prefix, wait)
		if err != nil {
			return nil, err
		}
		switch q.Get("mode") {
		case "", "watch", "push":
			return NewPush(kv, opts), nil
		case "poll":
			interval, err := durationParam(q, "interval")
			if err != nil {
				return nil, err
			}
			return NewPoll(kv, interval, opts), nil
		default:
			return nil, fmt.Errorf("%w: consul mode %q", ErrUnsupportedTarget, q.Get("mode"))
		}

	case "http", "https":
		return NewPoll(NewHTTPJSON(target), pollInterval, opts), nil

	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("%w: file target without path", ErrUnsupportedTarget)
		}
		w, err := NewFileWatcher(u.Path, 0)
		if err != nil {
			return nil, err
		}
		return NewPush(w, opts), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedTarget, target)
}

func durationParam(q url.Values, name string) (time.Duration, error) {
	s := q.Get(name)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrUnsupportedTarget, name, s, err)
	}
	return d, nil
}
