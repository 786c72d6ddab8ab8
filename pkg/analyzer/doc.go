// Package analyzer parses the reference CO2 analyzer's continuous XML-ish
// measurement stream and implements the sliding-window stabilization
// detector used to decide when the chamber has settled at a concentration.
//
// Wire format: repeating blocks of the form
//
//	<li840> ... <data> ... <co2>MANTISSA[eEXP]</co2> ... </data> ... </li840>
//
// Only the <co2> field is extracted; everything else is ignored. Non-ASCII
// bytes are replaced with '?' before matching, mirroring the original
// jig's handling of UART noise.
package analyzer
