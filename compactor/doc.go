// Package compactor groups a stream of cheap thunks into batches sized
// to be worth scheduling, pulled lazily one group at a time.
//
// In [Static] mode every group is the same fixed size. In [Dynamic]
// mode the group size tracks a target elapsed-time-per-group using an
// intentionally racy estimate (see estimate.go) shared by every group of
// one Compactor — a group times itself after running and may update the
// estimate that the Compactor's later size decisions read, even while
// other groups of the same Compactor run concurrently. Each Compactor
// has its own estimate; separate Compactors do not share one.
//
// [WithPriming] runs an initial sequential phase under a stricter
// acceptance rule before settling into the normal update rule,
// freezing the group size once it repeats twice in a row.
package compactor
