/*
Package driver defines the ResourceDriver capability through which the core
touches infrastructure, and the typed registry that resolves a profile type
to its driver. Concrete backends live outside the core; the engine only
ever sees this interface.
*/
package driver
