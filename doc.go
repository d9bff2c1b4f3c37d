/*
Package capstore provides a persistent capability store: objects named by capabilities,
kept in an object cache, and made durable by periodic checkpoints to a volume.

The primary goal of capstore is to let processes hold keys to pages and nodes that
survive a crash: on restart, the kernel resumes from the latest stable generation of
the checkpoint log, and every change made since is lost consistently.

The kernel lives in pkg/kernel. The capvol CLI formats and inspects volumes.
*/
package capstore
