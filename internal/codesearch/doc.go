// Package codesearch runs literal, regex and fuzzy text searches over a
// project tree.
//
// A Dispatcher probes the external tools it is configured with (ugrep,
// ripgrep, ag, grep) once and remembers the first that answers
// "--version". Searches run that tool with the project root as working
// directory and parse its "path:line[:column]:text" output. When the
// executable disappears between probe and use, the dispatcher demotes to
// the next tool and finally to an in-process scanner that walks the
// project's indexed files.
//
// Results are normalized regardless of the tool: slash separated relative
// paths, 1-based line and column, sorted by path then line, filtered by the
// project's ignore patterns and the optional file glob.
package codesearch
