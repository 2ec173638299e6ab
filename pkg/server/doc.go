// Package server provides an embeddable Woodhouse build server: it runs
// configured shell jobs and streams their output to any number of clients
// over Server-Sent Events.
//
// # Basic Usage
//
// Create a server programmatically:
//
//	cfg := &server.Config{
//		Server: server.ServerConfig{Port: 8080},
//		Auth: server.AuthConfig{
//			APIKeys: []server.APIKey{
//				{Name: "my-app", Key: "secret-key-here"},
//			},
//		},
//		Jobs: []*models.Job{
//			{JobID: "test", DisplayName: "Unit tests", Command: "go test ./..."},
//		},
//		Logging: server.LoggingConfig{Level: "info", Format: "json"},
//	}
//
//	srv, err := server.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := srv.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Using with Existing HTTP Server
//
// Mount the handler and start only the background workers:
//
//	srv.StartWorkers()
//	defer srv.Shutdown(context.Background())
//
//	http.Handle("/ci/", http.StripPrefix("/ci", srv.Handler()))
//	http.ListenAndServe(":8080", nil)
//
// # External Executors
//
// With Runner.External set, the server does not run commands itself. The
// embedding program creates builds through Hub, writes output to them and
// finishes them; clients stream the output the same way:
//
//	b, _ := srv.Hub().CreateBuild("deploy")
//	srv.Hub().SetBuildStatus(b, models.StatusRunning)
//	b.Output.Write([]byte("10% "))
//	b.Output.MarkFinished(models.ResultSuccess)
//	srv.Hub().SetBuildStatus(b, models.StatusSucceeded)
//
// # HTTP API
//
//	GET  /health                                   service health
//	GET  /metrics                                  Prometheus metrics
//	GET  /jobs                                     list jobs (?search, ?status, ?active)
//	POST /jobs                                     create a job and run it (auth, runner.allow_job_creation)
//	GET  /jobs/status                              job status stream (SSE)
//	GET  /jobs/{job_id}                            job details
//	GET  /jobs/{job_id}/builds                     list builds (?limit)
//	POST /jobs/{job_id}/builds                     trigger a build (auth)
//	GET  /jobs/{job_id}/builds/{build}             build details, build is a number or "latest"
//	GET  /jobs/{job_id}/builds/{build}/output      build output stream (SSE, ?offset or Last-Event-ID)
//	POST /jobs/{job_id}/builds/{build}/cancel      cancel a build (auth)
//
// Output events carry the byte offset after their data as the event id, so
// a reconnecting EventSource resumes exactly where it left off. A stream for
// a finished build ends with a single end event holding the build result.
package server
