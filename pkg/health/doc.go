/*
Package health keeps registered clusters checked. A registry entry names a
cluster, a check mode and an interval; exactly one engine claims each
entry and, in polling mode, originates a CLUSTER_CHECK action on every
tick. Entries owned by dead engines are stolen during the claim pass.
*/
package health
