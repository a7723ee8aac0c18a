/*
Package security encrypts stored credentials. A credential lets the engine
impersonate the owning principal when it runs actions whose originator is
no longer authenticated, such as scheduled recovery. The content is opaque
to the core and is rewritten on re-auth.
*/
package security
