package sheet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/xuri/excelize/v2"
)

// writeTemplate creates a template whose store-name and 8% cells are merged
// across several columns on the first rows of each page
func writeTemplate(dir string) string {
	f := excelize.NewFile()
	defer f.Close()

	Expect(f.SetSheetName("Sheet1", "精算書")).To(Succeed())
	Expect(f.SetCellValue("精算書", "A1", "経費精算書")).To(Succeed())
	for _, row := range []int{9, 10, 41} {
		Expect(f.MergeCell("精算書", fmt.Sprintf("E%d", row), fmt.Sprintf("O%d", row))).To(Succeed())
		Expect(f.MergeCell("精算書", fmt.Sprintf("P%d", row), fmt.Sprintf("R%d", row))).To(Succeed())
	}

	path := filepath.Join(dir, "template.xlsx")
	Expect(f.SaveAs(path)).To(Succeed())
	return path
}

// writeSinglePageTemplate creates a template without a page break whose
// store-name cells span C:E and whose amount columns are plain cells
func writeSinglePageTemplate(dir string) string {
	f := excelize.NewFile()
	defer f.Close()

	Expect(f.SetSheetName("Sheet1", "精算書")).To(Succeed())
	for row := 9; row <= 12; row++ {
		Expect(f.MergeCell("精算書", fmt.Sprintf("C%d", row), fmt.Sprintf("E%d", row))).To(Succeed())
	}

	path := filepath.Join(dir, "single-page.xlsx")
	Expect(f.SaveAs(path)).To(Succeed())
	return path
}

func entry(date, store string, amt8, amt10, other int) Line {
	e := Line{Fields: map[string]string{}, Amounts: map[string]int{
		Amount8Percent:   amt8,
		Amount10Percent:  amt10,
		AmountNonInvoice: other,
	}}
	if date != "" {
		e.Fields[FieldDate] = date
	}
	if store != "" {
		e.Fields[FieldStoreName] = store
	}
	return e
}

var _ = Describe("Workbook", func() {
	var (
		tmpDir   string
		template string
		layout   *Layout
		wb       *Workbook
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		template = writeTemplate(tmpDir)

		var err error
		layout, err = BuiltinLayout("two-page")
		Expect(err).NotTo(HaveOccurred())

		wb, err = Open(template, layout)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if wb != nil {
			wb.Close()
		}
	})

	// reopen saves the workbook and opens the result for inspection
	reopen := func() *excelize.File {
		out := filepath.Join(tmpDir, "out.xlsx")
		Expect(wb.Save(out)).To(Succeed())
		f, err := excelize.OpenFile(out)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(f.Close)
		return f
	}

	cellValue := func(f *excelize.File, cell string) string {
		v, err := f.GetCellValue("精算書", cell)
		Expect(err).NotTo(HaveOccurred())
		return v
	}

	Describe("Open", func() {
		It("should use the active sheet when the layout names none", func() {
			Expect(wb.Sheet()).To(Equal("精算書"))
		})

		It("returns ErrTemplate when the template is missing", func() {
			_, err := Open(filepath.Join(tmpDir, "missing.xlsx"), layout)
			Expect(errors.Is(err, ErrTemplate)).To(BeTrue())
		})

		It("returns ErrTemplate when the sheet does not exist", func() {
			named := *layout
			named.Sheet = "Summary"
			_, err := Open(template, &named)
			Expect(errors.Is(err, ErrTemplate)).To(BeTrue())
		})
	})

	Describe("WriteCell", func() {
		It("should redirect writes inside a merged region to its anchor", func() {
			Expect(wb.WriteCell(9, 17, 800)).To(Succeed())
			row, col := wb.anchor(9, 17)
			Expect(row).To(Equal(9))
			Expect(col).To(Equal(16))
			Expect(cellValue(reopen(), "P9")).To(Equal("800"))
		})

		It("should write the anchor itself directly", func() {
			Expect(wb.WriteCell(10, 5, "Lawson")).To(Succeed())
			Expect(cellValue(reopen(), "E10")).To(Equal("Lawson"))
		})

		It("should write unmerged cells directly", func() {
			row, col := wb.anchor(12, 5)
			Expect(row).To(Equal(12))
			Expect(col).To(Equal(5))
			Expect(wb.WriteCell(12, 5, "Seven")).To(Succeed())
			Expect(cellValue(reopen(), "E12")).To(Equal("Seven"))
		})

		It("should overwrite on repeated writes", func() {
			Expect(wb.WriteCell(9, 2, "2024/01/01")).To(Succeed())
			Expect(wb.WriteCell(9, 2, "2024/01/02")).To(Succeed())
			Expect(cellValue(reopen(), "B9")).To(Equal("2024/01/02"))
		})

		It("returns ErrWrite for out-of-range coordinates", func() {
			err := wb.WriteCell(0, 2, "x")
			Expect(errors.Is(err, ErrWrite)).To(BeTrue())
		})
	})

	Describe("Populate", func() {
		It("should combine the 8% and non-invoice amounts", func() {
			Expect(wb.Populate([]Line{entry("2024/01/01", "Lawson", 500, 1000, 300)})).To(Succeed())
			f := reopen()
			Expect(cellValue(f, "B9")).To(Equal("2024/01/01"))
			Expect(cellValue(f, "E9")).To(Equal("Lawson"))
			Expect(cellValue(f, "P9")).To(Equal("800"))
			Expect(cellValue(f, "S9")).To(Equal("1000"))
		})

		It("should leave zero buckets and missing fields blank", func() {
			Expect(wb.Populate([]Line{entry("", "", 0, 0, 0)})).To(Succeed())
			f := reopen()
			for _, cell := range []string{"B9", "E9", "P9", "S9"} {
				Expect(cellValue(f, cell)).To(BeEmpty(), cell)
			}
		})

		It("should continue on the second page after the block limit", func() {
			entries := make([]Line, 22)
			for i := range entries {
				entries[i] = entry(fmt.Sprintf("2024/01/%02d", i+1), fmt.Sprintf("store-%d", i), 0, 100+i, 0)
			}
			Expect(wb.Populate(entries)).To(Succeed())

			f := reopen()
			Expect(cellValue(f, "E9")).To(Equal("store-0"))
			Expect(cellValue(f, "E29")).To(Equal("store-20"))
			Expect(cellValue(f, "E30")).To(BeEmpty())
			Expect(cellValue(f, "E40")).To(BeEmpty())
			Expect(cellValue(f, "E41")).To(Equal("store-21"))
			Expect(cellValue(f, "S41")).To(Equal("121"))

			used := 0
			rows, err := f.GetRows("精算書")
			Expect(err).NotTo(HaveOccurred())
			for i, r := range rows {
				if i+1 >= 9 && len(r) > 1 && r[1] != "" {
					used++
				}
			}
			Expect(used).To(Equal(22))
		})

		When("the layout has no page break", func() {
			BeforeEach(func() {
				wb.Close()
				var err error
				layout, err = BuiltinLayout("single-page")
				Expect(err).NotTo(HaveOccurred())
				wb, err = Open(writeSinglePageTemplate(tmpDir), layout)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should split 8% from the other amounts", func() {
				Expect(wb.Populate([]Line{entry("2024/02/01", "Aeon", 500, 1000, 300)})).To(Succeed())
				f := reopen()
				Expect(cellValue(f, "B9")).To(Equal("2024/02/01"))
				Expect(cellValue(f, "C9")).To(Equal("Aeon"))
				Expect(cellValue(f, "F9")).To(Equal("500"))
				Expect(cellValue(f, "G9")).To(Equal("1300"))
			})

			It("should keep going row by row", func() {
				lines := make([]Line, 25)
				for i := range lines {
					lines[i] = entry("", fmt.Sprintf("store-%d", i), 0, 100, 0)
				}
				Expect(wb.Populate(lines)).To(Succeed())
				f := reopen()
				Expect(cellValue(f, "C12")).To(Equal("store-3"))
				Expect(cellValue(f, "C33")).To(Equal("store-24"))
				Expect(cellValue(f, "G33")).To(Equal("100"))
			})
		})
	})

	Describe("Save", func() {
		It("should not leave temp files behind", func() {
			Expect(wb.Save(filepath.Join(tmpDir, "out.xlsx"))).To(Succeed())
			matches, err := filepath.Glob(filepath.Join(tmpDir, ".receipt-xlsx-*"))
			Expect(err).NotTo(HaveOccurred())
			Expect(matches).To(BeEmpty())
		})

		It("should leave the report readable by others", func() {
			out := filepath.Join(tmpDir, "out.xlsx")
			Expect(wb.Save(out)).To(Succeed())
			info, err := os.Stat(out)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o644)))
		})

		It("returns ErrSave and leaves no output when the directory is missing", func() {
			out := filepath.Join(tmpDir, "missing", "out.xlsx")
			err := wb.Save(out)
			Expect(errors.Is(err, ErrSave)).To(BeTrue())
			_, statErr := os.Stat(out)
			Expect(os.IsNotExist(statErr)).To(BeTrue())
		})
	})

	Describe("Bytes", func() {
		It("should serialize a readable workbook", func() {
			Expect(wb.WriteCell(9, 2, "2024/03/03")).To(Succeed())
			data, err := wb.Bytes()
			Expect(err).NotTo(HaveOccurred())
			Expect(data[:2]).To(Equal([]byte("PK")))
		})
	})
})
