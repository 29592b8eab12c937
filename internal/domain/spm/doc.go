/*
Package spm is the secure partition manager: it owns the service registry,
the handle table and one signal space per partition, and moves messages
between client partitions and the root-of-trust services that serve them.

# Lifecycle

	mgr, err := spm.New(reg, cfg.SPM, spm.WithLogger(logger))
	mgr.Bind(1, echoEntry)
	mgr.Start(ctx)
	defer mgr.Shutdown()

Every bound partition runs its Entry in its own goroutine. A protocol
violation by any partition, client or service, halts the whole manager:
blocked clients are released with the violation, partitions see their
context cancelled and every further operation returns fault.ErrHalted until
Reset is called.

# Client side

	c := mgr.NonSecure()
	h, err := c.Connect(0x1001, 1)
	status, err := c.Call(h, []envelope.IOVec{envelope.Vec(req)}, 1, rsp, len(rsp))
	status, err = c.Close(h)

# Service side

	func echo(ctx context.Context, srv *spm.Server) error {
		for {
			sig, err := srv.Wait(ctx, srv.Signals())
			if err != nil {
				return err
			}
			msg, err := srv.Get(sig)
			...
			srv.End(msg.Handle, spm.StatusSuccess, nil)
		}
	}

The handle of a connection doubles as the handle of its in-flight message,
so Read, Write, End, Identity and SetReverseHandle all take a handle.ID.
*/
package spm
