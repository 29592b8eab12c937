/*
Package partition models the signal delivery a scheduler provides to secure
partitions.

Every partition owns a private 32-bit signal space. Bits 0-2 are reserved,
bit 3 is the doorbell raised by other partitions, and bits 4 and up are
assigned to the partition's services in manifest order.

# Usage

	space := partition.NewSpace(1, partition.Doorbell|partition.ServiceSignal(0))

	go func() {
		sig, err := space.Wait(ctx, space.Allocated())
		// sig has exactly one bit set
	}()

	space.Raise(partition.ServiceSignal(0))

Wait never clears a bit. The dispatcher deasserts a service bit once its
message queue is empty, and the doorbell is deasserted explicitly.
*/
package partition
