/*
Package transport moves Files between process groups.

A Channel bridges a local and a remote group over a Link. Both sides call
Open, which exchanges Hello frames and checks the protocol version, the
mirrored group ids and the roles. Rounds then run in lockstep:

	producer                          consumer
	RoundBegin, Structure x N  --->   reconstruct into local Files
	                           <---   Ack(structure)
	Segment x M                --->   applied in the background
	RoundEnd                   --->   complete or fail the fills
	                           <---   Ack(complete)

Send seals the Files for the duration of the round. Receive returns as soon
as the structure is acknowledged; readers of a dataset whose buffer is
still arriving block on that dataset's fill. A peer that disappears
mid-round fails every pending fill with PARTIAL_TRANSFER and invalidates
the channel; a context timeout between rounds leaves it usable.

Two links are provided: Pipe for peers in the same process and a TCP link
(Dial, Listen) carrying length-prefixed frames.
*/
package transport
