// Package http implements the admin API handlers.
//
// Handlers only read the partition manager through its snapshot and registry
// accessors, apart from Reset which reboots it. Errors are reported as
// {"success": false, "error": "..."}.
package http
