/*
Package wire is the message codec of the transport protocol and of the
pass-through manifests.

Every message is a Frame encoded with protowire. Over byte streams frames are
length prefixed. A round on a channel looks like:

	producer                         consumer
	RoundBegin(round, files) ──────▶
	Structure(file) × files  ──────▶ reconstruct
	                         ◀────── Ack(structure)
	Segment × n              ──────▶ fill datasets
	RoundEnd(n, bytes)       ──────▶
	                         ◀────── Ack(complete)

Structure messages hold one File's tree in creation order. Dataset buffers
travel as separate Segment frames so the consumer can rebuild the tree
before the bulk data arrives.
*/
package wire
