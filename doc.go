// Package crac lets a network service take part in checkpoint/restore: the
// process is frozen to an image, then resumed from it later instead of going
// through a cold start.
//
// Open sockets cannot be part of a process image. A service therefore
// registers its listeners with a Coordinator, which stops them right before
// the image is captured and starts them again right after the process is
// restored:
//
//     handler := http.NewServeMux()
//     handler.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
//         rw.Write([]byte("Hello!"))
//     })
//
//     listener := crac.NewHTTPListener(":8090", handler, nil)
//     if err := listener.Start(ctx); err != nil {
//         return err
//     }
//
//     coordinator := crac.NewCheckpointer(crac.Simulated, nil)
//     if _, _, err := crac.RegisterListener(coordinator.Registry(), listener, nil); err != nil {
//         return err
//     }
//
//     // Stops the listener, snapshots, starts the listener again.
//     if err := coordinator.CheckpointRestore(ctx); err != nil {
//         return err
//     }
//
// The listener is built on Worker, which provides:
//
//     • Start, Shutdown and Terminate methods, and restarts once stopped
//     • StartBackground, providing a non-blocking alternative
//     • Graceful termination timeout, terminating the service
//     • Error handling and filtering, for example to ignore http.ErrServerClosed
//     • Logging by providing your logger
//     • Readiness probes
//     • Observers to listen to the service state changes and errors
//
// Resources are prepared for a checkpoint in registration order and restored
// in the reverse order. A resource failing to prepare aborts the checkpoint.
package crac
