/*
Package resilience bounds automatic recovery of the partition manager.

# Overview

A protocol violation halts the partition manager until it is reset. The
Supervisor answers each fault with a reset, and its Breaker stops doing so
when faults keep coming, so a partition that faults on every boot is left
halted for inspection instead of restarting in a loop.

# Usage

	breaker := resilience.New("spm", resilience.Settings{
		MaxFaults: 3,
		Window:    time.Minute,
		Cooldown:  5 * time.Minute,
	})
	sup := resilience.NewSupervisor(breaker, time.Second, logger)
	mgr, _ := spm.New(reg, cfg, spm.WithFaultHandler(sup.OnFault))
	go sup.Run(ctx, mgr)

# States

  - Closed: every fault is answered with a reset
  - Open: faults are counted but the manager stays halted
  - Half-Open: one probe reset is allowed; a fault within Window of it opens
    the breaker again, otherwise it closes

	Closed --[MaxFaults in Window]-> Open --[Cooldown]-> Half-Open --[Window]-> Closed
	                                                         |
	                                                     [fault]
	                                                         v
	                                                       Open
*/
package resilience
