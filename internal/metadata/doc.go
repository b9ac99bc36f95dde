/*
Package metadata is the in-memory object model of LowFive: files, groups,
datasets, attributes, links and the dimension-scale tables that relate
datasets to each other.

# Ownership

A File owns a tree of Nodes. Parents own their children and attributes;
the parent pointer is only a back reference. Hard links and dimension-scale
attachments are the only edges that cross the tree, and both point inside
the same File. Detaching a node drops every scale entry that mentions a
node of the detached subtree.

# Paths

Objects are addressed by "/"-delimited paths from the root. Lookup follows
soft links (relative to the link's parent, or absolute) and hard links.
It reports NOT_FOUND for a missing segment and TYPE_MISMATCH when a path
descends into a dataset or attribute.

# Data

Datasets and attributes carry a Datatype, a Dataspace and a dense row-major
buffer. When a buffer is present its length is always product(dims) times
the element size; partial (hyperslab) writes allocate the zeroed buffer
first. A buffer written with OwnershipUser aliases the caller's slice.

Buffers arriving from a transport round are filled asynchronously through a
Fill; readers wait on it with AwaitData and the node adopts the buffer on
its next access. A failed fill is reported by the next Read.

# Events and concurrency

Mutations emit Events to the File's observers; the lifecycle manager uses
them for bookkeeping. A File is not safe for concurrent mutation. Callers
hold the File's coarse lock (Lock/Unlock) around every operation. A sealed
File rejects mutation with SEALED while a transport round is sending it.
*/
package metadata
