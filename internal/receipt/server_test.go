package receipt

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-xlsx/internal/scanning"
	"github.com/zombor/receipt-xlsx/internal/sheet"
)

func uploadBody(filename string, data []byte) (*bytes.Buffer, string) {
	var b bytes.Buffer
	writer := multipart.NewWriter(&b)
	part, err := writer.CreateFormFile("file", filename)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())
	return &b, writer.FormDataContentType()
}

func decodeJSON(resp *http.Response, v any) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	Expect(json.Unmarshal(body, v)).To(Succeed(), string(body))
}

var _ = Describe("Server", func() {
	var (
		extractor   *mockExtractor
		storage     *mockStorage
		service     *Service
		config      ServerConfig
		server      *Server
		ghttpServer *ghttp.Server
		client      *http.Client
	)

	BeforeEach(func() {
		layout, err := sheet.BuiltinLayout("two-page")
		Expect(err).NotTo(HaveOccurred())

		extractor = newMockExtractor()
		storage = newMockStorage()
		service = NewService(extractor, writeTemplate(GinkgoT().TempDir()), layout, storage)
		config = ServerConfig{Password: "open-sesame"}

		jar, err := cookiejar.New(nil)
		Expect(err).NotTo(HaveOccurred())
		client = &http.Client{Jar: jar}
	})

	JustBeforeEach(func() {
		server = NewServerWithMux(service, config, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AllowUnhandledRequests = true
		ghttpServer.UnhandledRequestStatusCode = http.StatusTeapot
		ghttpServer.RouteToHandler(http.MethodGet, regexp.MustCompile(".*"), server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodPost, regexp.MustCompile(".*"), server.ServeHTTP)
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	login := func(password string) *http.Response {
		resp, err := client.Post(ghttpServer.URL()+"/api/login", "application/json",
			strings.NewReader(`{"password": "`+password+`"}`))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	upload := func() *http.Response {
		body, contentType := uploadBody("receipts.pdf", []byte("%PDF-1.7 fake"))
		resp, err := client.Post(ghttpServer.URL()+"/api/reports", contentType, body)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	Describe("handleIndex", func() {
		It("should serve the page without a session", func() {
			resp, err := client.Get(ghttpServer.URL() + "/")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Receipt XLSX"))
		})

		It("should return status Method Not Allowed for POST", func() {
			resp, err := client.Post(ghttpServer.URL()+"/", "text/plain", nil)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Describe("handleLogin", func() {
		When("the password is right", func() {
			It("should start a session", func() {
				resp := login("open-sesame")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
				Expect(server.sessions.Len()).To(Equal(1))
			})
		})

		When("the password is wrong", func() {
			It("should return Unauthorized", func() {
				resp := login("guess")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(server.sessions.Len()).To(BeZero())
			})
		})

		When("too many attempts are made", func() {
			It("should return Too Many Requests", func() {
				var last int
				for i := 0; i < 6; i++ {
					resp := login("guess")
					resp.Body.Close()
					last = resp.StatusCode
				}
				Expect(last).To(Equal(http.StatusTooManyRequests))
			})
		})

		When("the body is not JSON", func() {
			It("should return Bad Request", func() {
				resp, err := client.Post(ghttpServer.URL()+"/api/login", "application/json", strings.NewReader("nope"))
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("handleCreateReport", func() {
		When("not logged in", func() {
			It("should return Unauthorized", func() {
				resp := upload()
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(extractor.calls).To(BeZero())
			})
		})

		When("logged in", func() {
			JustBeforeEach(func() {
				resp := login("open-sesame")
				resp.Body.Close()
			})

			It("should return the sorted records and summary", func() {
				resp := upload()
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var view reportView
				decodeJSON(resp, &view)
				Expect(view.Records).To(HaveLen(3))
				Expect(*view.Records[0].StoreName).To(Equal("Aeon"))
				Expect(view.Records[0].InvoiceCompliant).To(BeTrue())
				Expect(view.Records[0].Buckets.Combined8).To(Equal(500))
				Expect(view.Summary.Total).To(Equal(1900))
			})

			It("should replace the previous report file", func() {
				resp := upload()
				resp.Body.Close()
				Expect(storage.files).To(HaveLen(1))

				resp = upload()
				resp.Body.Close()
				Expect(storage.files).To(HaveLen(1))
			})

			It("should reject requests without a file", func() {
				var b bytes.Buffer
				writer := multipart.NewWriter(&b)
				Expect(writer.WriteField("note", "x")).To(Succeed())
				Expect(writer.Close()).To(Succeed())

				resp, err := client.Post(ghttpServer.URL()+"/api/reports", writer.FormDataContentType(), &b)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			When("the session ends while the upload is processed", func() {
				BeforeEach(func() {
					extractor.during = func() {
						u, err := url.Parse(ghttpServer.URL())
						Expect(err).NotTo(HaveOccurred())
						for _, c := range client.Jar.Cookies(u) {
							if c.Name == sessionCookieName {
								server.sessions.Delete(c.Value)
							}
						}
					}
				})

				It("should not keep the report", func() {
					resp := upload()
					resp.Body.Close()
					Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
					Expect(storage.files).To(BeEmpty())
				})
			})

			When("the remote processing fails", func() {
				BeforeEach(func() {
					extractor.scanErr = scanning.ErrProcessingFailed
				})

				It("should report the kind", func() {
					resp := upload()
					Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))

					var body map[string]any
					decodeJSON(resp, &body)
					Expect(body["kind"]).To(Equal("remote_failed"))
					Expect(body["retryable"]).To(BeTrue())
				})
			})

			When("the response is malformed", func() {
				BeforeEach(func() {
					extractor.scanErr = scanning.ErrMalformedResponse
				})

				It("should report a non-retryable error", func() {
					resp := upload()
					Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))

					var body map[string]any
					decodeJSON(resp, &body)
					Expect(body["kind"]).To(Equal("malformed_response"))
					Expect(body["retryable"]).To(BeFalse())
				})
			})
		})

		When("the upload is too large", func() {
			BeforeEach(func() {
				config.MaxUploadSize = 64
			})

			It("should return Request Entity Too Large", func() {
				resp := login("open-sesame")
				resp.Body.Close()

				body, contentType := uploadBody("big.pdf", bytes.Repeat([]byte("x"), 1024))
				resp, err := client.Post(ghttpServer.URL()+"/api/reports", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))
			})
		})
	})

	Describe("current report", func() {
		JustBeforeEach(func() {
			resp := login("open-sesame")
			resp.Body.Close()
		})

		It("should return Not Found before any upload", func() {
			resp, err := client.Get(ghttpServer.URL() + "/api/reports/current")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should return the last report and its workbook", func() {
			resp := upload()
			resp.Body.Close()

			resp, err := client.Get(ghttpServer.URL() + "/api/reports/current")
			Expect(err).NotTo(HaveOccurred())
			var view reportView
			decodeJSON(resp, &view)
			Expect(view.Filename).To(Equal("receipts.pdf"))

			resp, err = client.Get(ghttpServer.URL() + "/api/reports/current/file")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal(sheet.XLSXContentType))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("expense-report_receipts.xlsx"))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(data[:2]).To(Equal([]byte("PK")))
		})

		It("should forget the report after logout", func() {
			resp := upload()
			resp.Body.Close()

			resp, err := client.Post(ghttpServer.URL()+"/api/logout", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(storage.files).To(BeEmpty())

			resp, err = client.Get(ghttpServer.URL() + "/api/reports/current")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("without a password", func() {
		BeforeEach(func() {
			config.Password = ""
		})

		It("should let uploads through with an implicit session", func() {
			resp := upload()
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(server.sessions.Len()).To(Equal(1))
		})
	})
})
