package ghostscript

import (
	"fmt"
	"strings"
)

var psEscaper = strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)

// outputFileArg names out literally. Ghostscript reads % in OutputFile as a
// page-number format and a leading | as a pipe.
func outputFileArg(out string) string {
	if strings.HasPrefix(out, "|") {
		out = "./" + out
	}
	return "-sOutputFile=" + strings.ReplaceAll(out, "%", "%%")
}

func countArgs(path string) []string {
	return []string{
		"-q",
		"-dNOSAFER",
		"-dNODISPLAY",
		"-c",
		fmt.Sprintf("(%s) (r) file runpdfbegin pdfpagecount = quit", psEscaper.Replace(path)),
	}
}

func splitArgs(src string, first, last int, out string) []string {
	return []string{
		"-sDEVICE=pdfwrite",
		"-dNOPAUSE",
		"-dBATCH",
		"-dSAFER",
		"-dQUIET",
		fmt.Sprintf("-dFirstPage=%d", first),
		fmt.Sprintf("-dLastPage=%d", last),
		outputFileArg(out),
		src,
	}
}

func compressArgs(compat, preset, in, out string) []string {
	return []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=" + compat,
		"-dPDFSETTINGS=" + preset,
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		outputFileArg(out),
		in,
	}
}

func mergeArgs(inputs []string, out string) []string {
	args := []string{"-dBATCH", "-dNOPAUSE", "-q", "-sDEVICE=pdfwrite", outputFileArg(out)}
	return append(args, inputs...)
}
