// Package ptree drives a lazy-in-depth, parallel-in-breadth tree
// expansion on top of the root parafuture package and the sibling
// compactor package.
//
// Call [New] with a [Scheduler] and an [Expand] function, then [Walk]
// a root state to get a channel of [Result]. At every node, sibling
// Node children are batched through a [compactor.Compactor] and handed
// to the scheduler as forked tasks, but only one level of expansion at
// a time: each batch's task expands its positions exactly once, and
// the next batch is planned only once an earlier one has been pulled
// off the per-node dispatch channel. [WithNodeLimit] bounds how many
// batches may sit forked-but-unconsumed ahead of the caller at once,
// which is what keeps a walk from forcing more of the tree than a
// consumer actually asked for. [WithOrder] picks whether leaves come
// out in strict position order or in whatever order their subtrees
// finish.
package ptree
