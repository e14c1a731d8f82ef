// Package profile implements the commands that browse and prune stored
// profiles.
//
// # Command Structure
//
//	reqprof requests list|show|delete
//	reqprof urls
//	reqprof long-requests list|clear
//	reqprof responses show|delete
//	reqprof urls-to-profile list|add|enable|disable|delete
//
// Listings are newest first, except stored URLs to profile which are sorted
// by URL, and paged with --page and --size. Table output
// ends with a page footer on stderr so that -o csv and -o json stay machine
// readable.
//
// # Call Trees
//
// 'requests show' renders the stored call tree. Each node shows its elapsed
// time and its start offset from the beginning of the request. Log lines are
// printed under the method that was running when they were written, and
// methods that logged an error are flagged with ✗. Colors are used only when
// stdout is a terminal.
package profile
