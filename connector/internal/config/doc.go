// Package config loads the connector's run configuration and serves the
// live-reloadable age bounds.
//
// Top-level types:
//   - Config{API, Auth, HTTP, Retry, Pipeline, Bounds, Report, Logging}: the
//     static settings of one run, parsed from YAML
//   - Overrides: command-line values; nil fields are left alone
//   - BoundsStore: the age bounds in force, swapped atomically on reload
//   - ReloadError: a bounds file that could not be applied
//
// Load(path, ov) starts from defaults (paths /auth, /send, /send/bulk; 3s
// connect, 10s single, 15s bulk; 3 retries with 500ms..8s backoff; batches
// of 1000; bounds 18..120), overlays BASE_URL, PROJECT_KEY, MIN_AGE,
// MAX_AGE and LOG_LEVEL from the environment, then the optional YAML file,
// then ov, and validates the result. Age bounds are left to NewBoundsStore,
// which checks them only once the bounds file is layered in. LoadDotEnv
// seeds the environment from a .env file beforehand without overriding
// real variables.
//
// BoundsStore.MaybeReload is called by the pipeline every N rows. It checks
// the bounds file at most once per interval and re-reads it only when its
// modification time changed or Watch marked it dirty. Invalid bounds on
// reload are logged and ignored; invalid bounds at startup are an error.
// Command-line bounds always win over the file.
//
// Watch(ctx, path, onChange) uses fsnotify on the file's directory so that
// atomic replace (write temp, rename) is observed.
package config
