/*
Package passthru persists files on a blob store (S3, a local directory or
memory).

A file is stored as a manifest object, "<file>.manifest", carrying the
encoded structure with attribute values inline, plus one object per dataset
buffer at "<file>/<object path>". Load reconstructs the structure only;
dataset buffers are fetched on demand with ReadData.
*/
package passthru
