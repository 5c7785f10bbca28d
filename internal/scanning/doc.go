// Package scanning runs one scan stage across many targets.
//
// The Orchestrator places every target on a bounded queue and starts a
// fixed pool of workers. Each worker takes a target, passes the launch gate,
// creates a named execution session, dispatches the stage's command line
// into it and watches the session output until the done marker appears.
// The session is destroyed afterwards no matter how the scan ended.
//
// # Stages
//
// A Strategy decides what runs for a target and where its output goes:
//   - PortDiscovery: full TCP port discovery, all nmap output formats
//   - ServiceScan: service and version fingerprinting of known open ports
//
// Commands are built with the nmap option builders but never executed
// here; the quoted command line is typed into the session instead.
//
// # Outcomes
//
// Every target ends either completed or failed. Failures are contained to
// their target: a session that cannot be created, a dispatch that fails or
// a poll that errors marks only that target failed. An interrupt stops the
// workers, destroys every live session and fails all unfinished targets
// with code CANCELED, so the returned summary always accounts for the full
// target list.
//
// # Usage
//
//	backend := session.NewTmuxBackend("tmux", 5*time.Second, logger, rec)
//	strategy := scanning.NewPortDiscovery(cfg.Nmap, "output", scanning.DefaultPorts)
//
//	opts := scanning.OptionsFromConfig(cfg)
//	opts.Logger = logger
//	opts.Metrics = rec
//
//	o := scanning.New(backend, strategy, opts)
//	summary, err := o.Run(ctx, targets)
//	tracker.PrintSummary(os.Stdout, summary)
//
// # Launch Gate
//
// LaunchGate caps live sessions at the worker count and can pace session
// starts with a token bucket so a large scope does not start hundreds of
// scanners within the same second.
package scanning
