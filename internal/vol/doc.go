/*
Package vol intercepts the object operations of a hierarchical data library
and routes each one to a backend.

A Connector implements Plugin, one method per primitive: files, groups,
datasets, attributes, links and dimension scales. Every call validates its
handles and descriptors, asks the routing engine for a mode and then:

	passthru  the store holds the data; the structure is mirrored into the
	          object model and its manifest is rewritten on every change
	memory    the object model is authoritative; mirror rules add a
	          best-effort copy to the store that never fails the call
	remote    the object model stages data for the next transport round
	          (producer) or serves data reconstructed from one (consumer)

The mode of a file is fixed when it is created or opened. Within a memory
or remote file, objects routed to passthru keep their data in the store.

Reads of a dataset without data fail with NOT_READY, except that a read in
a remote file blocks while a round is filling the dataset.

Producer side:

	conn.FileCreate, DatasetCreate, DatasetWrite, FileClose
	conn.Serve(ctx)       // one round per producer channel
	conn.Finish(ctx)      // end of session

Consumer side:

	conn.Receive(ctx, "") // structure in place, data arriving
	conn.FileOpen, DatasetOpen, DatasetRead

Files opened on the consumer before their first round are placeholders that
the round fills in place, so handles taken early stay valid.
*/
package vol
