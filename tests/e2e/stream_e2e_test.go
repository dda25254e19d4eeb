package e2e

import (
	"bufio"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Event stream", func() {
	It("delivers a request-executed envelope to an /event subscriber", func() {
		flowResp := doRequest(http.MethodPost, "/flows", map[string]any{"label": "e2e-stream"})
		Expect(flowResp.StatusCode).To(Equal(http.StatusCreated))
		var flow struct {
			FlowID string `json:"flowId"`
		}
		decodeBody(flowResp, &flow)

		req, err := http.NewRequest(http.MethodGet, baseURL+"/event?flowId="+flow.FlowID, nil)
		Expect(err).NotTo(HaveOccurred())
		if bearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+bearerToken)
		}

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("text/event-stream"))

		reader := bufio.NewReader(resp.Body)
		line, err := reader.ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.TrimSpace(line)).To(Equal("event: connected"))

		events := make(chan string, 8)
		go func() {
			for {
				l, err := reader.ReadString('\n')
				if err != nil {
					close(events)
					return
				}
				if strings.HasPrefix(l, "event: ") {
					events <- strings.TrimSpace(strings.TrimPrefix(l, "event: "))
				}
			}
		}()

		go func() {
			time.Sleep(100 * time.Millisecond)
			r := doRequest(http.MethodPost, "/execute", map[string]any{
				"content": "GET " + baseURL + "/health\n",
				"flowId":  flow.FlowID,
			})
			r.Body.Close()
		}()

		var seen string
		Eventually(events).WithTimeout(10 * time.Second).Should(Receive(&seen))
		Expect(seen).NotTo(BeEmpty())
	})
})
