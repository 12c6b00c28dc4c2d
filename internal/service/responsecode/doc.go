// Package responsecode issues the short "@NNNN" tokens that let an inbound
// reply be matched to the recipient it answers.
//
// The pool holds every code from @100 to @99999 except a small blacklist.
// A code may be reissued once it has gone unused for the reuse window.
// Allocation must be atomic in the repository so two concurrent senders
// never receive the same code.
package responsecode
